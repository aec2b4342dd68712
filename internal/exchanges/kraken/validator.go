package kraken

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"kraken-terminal/internal/exchanges"
)

// =============================================================================
// Локальная валидация ордеров
// =============================================================================

// ValidationResult — итог локальной проверки ордера.
//
// Жёсткие нарушения (Errors) блокируют отправку. Мягкие (Warnings) —
// автоматически исправляются: скорректированные значения лежат в
// AdjustedVolume / AdjustedPrice и уходят на биржу вместо исходных.
type ValidationResult struct {
	OK       bool
	Errors   []string
	Warnings []string

	AdjustedVolume float64
	AdjustedPrice  *float64 // nil для market ордеров
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.OK = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ErrorMessage возвращает все жёсткие нарушения одной строкой.
func (r *ValidationResult) ErrorMessage() string {
	return strings.Join(r.Errors, "; ")
}

// Validator проверяет ордера по метаданным пары и локальным балансам
// до какого-либо сетевого вызова.
//
// Округление цены и объёма считается через decimal: биржа сверяет
// знаки после запятой по строковому представлению, float64 арифметика
// здесь даёт ложные расхождения.
type Validator struct {
	cache *MetadataCache
}

// NewValidator создаёт валидатор поверх кеша метаданных.
func NewValidator(cache *MetadataCache) *Validator {
	return &Validator{cache: cache}
}

// Validate проверяет запрос ордера.
//
// Ошибка возвращается только при невозможности получить метаданные пары
// (сетевой сбой read-through). Все нарушения самого запроса попадают
// в ValidationResult.
func (v *Validator) Validate(ctx context.Context, req *exchanges.OrderRequest) (*ValidationResult, error) {
	meta, err := v.cache.PairMetadata(ctx, req.Pair)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		OK:             true,
		AdjustedVolume: req.Volume,
	}
	if req.Price != nil {
		price := *req.Price
		result.AdjustedPrice = &price
	}

	v.checkSide(req, result)
	v.checkVolume(req, meta, result)
	v.checkPrice(req, meta, result)
	v.checkBalance(req, meta, result)

	return result, nil
}

func (v *Validator) checkSide(req *exchanges.OrderRequest, result *ValidationResult) {
	switch req.Side {
	case exchanges.OrderSideBuy, exchanges.OrderSideSell:
	default:
		result.addError("неизвестное направление ордера: %q", req.Side)
	}

	switch req.Type {
	case exchanges.OrderTypeMarket, exchanges.OrderTypeLimit, exchanges.OrderTypeStopLoss:
	default:
		result.addError("неизвестный тип ордера: %q", req.Type)
	}
}

func (v *Validator) checkVolume(req *exchanges.OrderRequest, meta exchanges.PairMetadata, result *ValidationResult) {
	if req.Volume <= 0 {
		result.addError("объём должен быть положительным, получено: %v", req.Volume)
		return
	}

	// Округление объёма до lot_decimals — мягкое нарушение
	vol := decimal.NewFromFloat(req.Volume)
	snapped := vol.Truncate(int32(meta.LotDecimals))
	if !snapped.Equal(vol) {
		result.addWarning("объём %s округлён до %s (%d знаков)",
			vol.String(), snapped.String(), meta.LotDecimals)
		result.AdjustedVolume, _ = snapped.Float64()
	}

	// Минимальный объём — жёсткое нарушение (после округления)
	if result.AdjustedVolume < meta.OrderMin {
		result.addError("объём %v меньше минимального %v для %s",
			result.AdjustedVolume, meta.OrderMin, meta.Symbol)
	}
}

func (v *Validator) checkPrice(req *exchanges.OrderRequest, meta exchanges.PairMetadata, result *ValidationResult) {
	needsPrice := req.Type == exchanges.OrderTypeLimit || req.Type == exchanges.OrderTypeStopLoss

	if !needsPrice {
		if req.Price != nil {
			result.addWarning("цена игнорируется для market ордера")
			result.AdjustedPrice = nil
		}
		return
	}

	if req.Price == nil {
		result.addError("ордер типа %s требует цену", req.Type)
		return
	}
	if *req.Price <= 0 {
		result.addError("цена должна быть положительной, получено: %v", *req.Price)
		return
	}

	// Округление цены до pair_decimals — мягкое нарушение
	price := decimal.NewFromFloat(*req.Price)
	snapped := price.Truncate(int32(meta.PriceDecimals))
	if !snapped.Equal(price) {
		result.addWarning("цена %s округлена до %s (%d знаков)",
			price.String(), snapped.String(), meta.PriceDecimals)
		adjusted, _ := snapped.Float64()
		result.AdjustedPrice = &adjusted
	}
}

func (v *Validator) checkBalance(req *exchanges.OrderRequest, meta exchanges.PairMetadata, result *ValidationResult) {
	if !result.OK {
		// Жёсткие нарушения выше делают проверку баланса бессмысленной
		return
	}

	switch req.Side {
	case exchanges.OrderSideBuy:
		// Buy блокирует котируемую валюту: объём x цена
		price := 0.0
		if result.AdjustedPrice != nil {
			price = *result.AdjustedPrice
		} else if last, _, ok := v.cache.LastPrice(req.Pair); ok {
			price = last
		} else {
			result.addWarning("последняя цена %s неизвестна, проверка баланса пропущена", meta.Symbol)
			return
		}

		cost := result.AdjustedVolume * price
		balance, ok := v.cache.Balance(meta.Quote)
		if !ok {
			result.addWarning("баланс %s неизвестен, проверка пропущена", meta.Quote)
			return
		}
		if balance.Available < cost {
			result.addError("недостаточно %s: нужно %.8f, доступно %.8f",
				meta.Quote, cost, balance.Available)
		}

	case exchanges.OrderSideSell:
		// Sell блокирует базовую валюту: объём
		balance, ok := v.cache.Balance(meta.Base)
		if !ok {
			result.addWarning("баланс %s неизвестен, проверка пропущена", meta.Base)
			return
		}
		if balance.Available < result.AdjustedVolume {
			result.addError("недостаточно %s: нужно %.8f, доступно %.8f",
				meta.Base, result.AdjustedVolume, balance.Available)
		}
	}
}
