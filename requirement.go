package premium

import (
	"fmt"
	"strings"
)

// ResolverConfig holds the configured payment defaults
type ResolverConfig struct {
	Network   Network
	Recipient string
	// Asset is the token contract, or empty for the native coin
	Asset    string
	Currency string
	Decimals int
	// Prices maps each request class to a decimal price, e.g. "0.001"
	Prices map[RequestClass]string
}

// RequirementOverrides replaces configured defaults for one resolution,
// typically with terms advertised by a 402 challenge. Empty fields keep the default.
type RequirementOverrides struct {
	Recipient string
	// Amount is a decimal amount in the asset's display unit
	Amount   string
	Asset    string
	Currency string
	ChainID  int64
}

// RequirementResolver derives the canonical payment requirement for a purchase.
// It has no side effects.
type RequirementResolver struct {
	config  ResolverConfig
	chainID int64
	prices  map[RequestClass]string
}

// NewRequirementResolver validates the configured prices and network
func NewRequirementResolver(config ResolverConfig) (*RequirementResolver, error) {
	chainID, err := config.Network.ChainID()
	if err != nil {
		return nil, WrapPaymentError(ErrCodeConfiguration, "invalid payment network", err)
	}
	if len(config.Prices) == 0 {
		return nil, NewPaymentError(ErrCodeConfiguration, "no request class prices configured", nil)
	}

	prices := make(map[RequestClass]string, len(config.Prices))
	for class, price := range config.Prices {
		units, err := ParseUnits(price, config.Decimals)
		if err != nil {
			return nil, WrapPaymentError(ErrCodeConfiguration, fmt.Sprintf("invalid price for class %s", class), err)
		}
		prices[class] = units.String()
	}

	return &RequirementResolver{
		config:  config,
		chainID: chainID,
		prices:  prices,
	}, nil
}

// ChainID returns the chain every resolved requirement settles on
func (r *RequirementResolver) ChainID() int64 {
	return r.chainID
}

// Resolve returns the requirement for class with overrides applied.
// An empty class resolves as ClassPremiumSearch.
func (r *RequirementResolver) Resolve(class RequestClass, overrides *RequirementOverrides) (PaymentRequirement, error) {
	if class == "" {
		class = ClassPremiumSearch
	}
	amount, ok := r.prices[class]
	if !ok {
		return PaymentRequirement{}, NewPaymentError(ErrCodeInvalidRequirement,
			fmt.Sprintf("no price configured for request class %s", class), nil)
	}

	requirement := PaymentRequirement{
		Recipient: r.config.Recipient,
		Amount:    amount,
		Currency:  r.config.Currency,
		Asset:     r.config.Asset,
		Decimals:  r.config.Decimals,
		ChainID:   r.chainID,
		Network:   r.config.Network,
	}

	if overrides != nil {
		if overrides.ChainID != 0 && overrides.ChainID != r.chainID {
			return PaymentRequirement{}, NewPaymentError(ErrCodeUnsupportedNetwork,
				fmt.Sprintf("payment requested on chain %d, only %d is supported", overrides.ChainID, r.chainID),
				map[string]interface{}{"chainId": overrides.ChainID})
		}
		if overrides.Asset != "" && !strings.EqualFold(overrides.Asset, r.config.Asset) {
			return PaymentRequirement{}, NewPaymentError(ErrCodeInvalidRequirement,
				fmt.Sprintf("payment requested in unsupported asset %s", overrides.Asset),
				map[string]interface{}{"asset": overrides.Asset})
		}
		if overrides.Recipient != "" {
			requirement.Recipient = overrides.Recipient
		}
		if overrides.Amount != "" {
			units, err := ParseUnits(overrides.Amount, r.config.Decimals)
			if err != nil {
				return PaymentRequirement{}, WrapPaymentError(ErrCodeInvalidRequirement, "invalid override amount", err)
			}
			requirement.Amount = units.String()
		}
		if overrides.Currency != "" {
			requirement.Currency = overrides.Currency
		}
	}

	if requirement.Recipient == "" {
		return PaymentRequirement{}, NewPaymentError(ErrCodeConfiguration, "no payment recipient configured", nil)
	}

	return requirement, nil
}
