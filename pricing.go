/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kiln

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/database"
	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/internal/cache"
	"github.com/kilnhq/kiln/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Pricer quotes the credit cost of a submission.
type Pricer interface {
	PriceFor(ctx context.Context, kind model.Kind, payload map[string]interface{}) (int64, error)
}

// RulePricer prices submissions from the pricing table, falling back to the
// configured per-kind defaults when no rule exists.
type RulePricer struct {
	datasource database.IDataSource
	cache      cache.Cache
}

// cachedRule also records misses so that kinds priced by defaults do not hit the database.
type cachedRule struct {
	Found bool
	Rule  model.PricingRule
}

func NewPricer(datasource database.IDataSource, c cache.Cache) *RulePricer {
	return &RulePricer{datasource: datasource, cache: c}
}

func pricingCacheKey(kind model.Kind, modelName string) string {
	return fmt.Sprintf("pricing:%s:%s", kind, modelName)
}

// PriceFor returns the cost of running payload as kind. A rule that is inactive
// or under maintenance makes the kind unavailable.
func (p *RulePricer) PriceFor(ctx context.Context, kind model.Kind, payload map[string]interface{}) (int64, error) {
	modelName := model.PayloadModel(payload)
	rule, err := p.rule(ctx, kind, modelName)
	if err != nil {
		return 0, err
	}

	if rule == nil {
		cfg, err := config.Fetch()
		if err != nil {
			return 0, err
		}
		price, ok := cfg.Pricing.Defaults[string(kind)]
		if !ok {
			return 0, fmt.Errorf("%w: no price configured for %s", model.ErrKindUnavailable, kind)
		}
		return price, nil
	}

	label := string(kind)
	if rule.Model != "" {
		label = fmt.Sprintf("%s/%s", kind, rule.Model)
	}
	if !rule.IsActive {
		return 0, fmt.Errorf("%w: %s is not active", model.ErrKindUnavailable, label)
	}
	if rule.IsMaintenance {
		return 0, fmt.Errorf("%w: %s is under maintenance", model.ErrKindUnavailable, label)
	}
	return RuleCost(*rule, payload)
}

func (p *RulePricer) rule(ctx context.Context, kind model.Kind, modelName string) (*model.PricingRule, error) {
	key := pricingCacheKey(kind, modelName)
	var cached cachedRule
	if p.cache != nil {
		found, err := p.cache.Get(ctx, key, &cached)
		if err != nil {
			logrus.Warnf("pricing cache read failed for %s: %v", key, err)
		}
		if found {
			if !cached.Found {
				return nil, nil
			}
			return &cached.Rule, nil
		}
	}

	rule, err := p.datasource.GetPricingRule(ctx, kind, modelName)
	if err != nil {
		return nil, err
	}

	if p.cache != nil {
		cached = cachedRule{Found: rule != nil}
		if rule != nil {
			cached.Rule = *rule
		}
		if err := p.cache.Set(ctx, key, cached, pricingTTL()); err != nil {
			logrus.Warnf("pricing cache write failed for %s: %v", key, err)
		}
	}
	return rule, nil
}

// invalidate drops the cached rule for kind and model. Lookups for other
// models that fell back to the kind default expire with the cache TTL.
func (p *RulePricer) invalidate(ctx context.Context, kind model.Kind, modelName string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Delete(ctx, pricingCacheKey(kind, modelName)); err != nil {
		logrus.Warnf("failed to invalidate pricing cache: %v", err)
	}
}

func pricingTTL() time.Duration {
	cfg, err := config.Fetch()
	if err != nil || cfg.Pricing.CacheTTL <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Pricing.CacheTTL) * time.Second
}

// RuleCost computes BaseCredits + ceil(UnitCredits * payload[UnitOption]).
// A rule without a unit option, or a payload without the option, costs BaseCredits.
func RuleCost(rule model.PricingRule, payload map[string]interface{}) (int64, error) {
	cost := rule.BaseCredits
	if rule.UnitOption != "" {
		units, err := unitValue(payload[rule.UnitOption])
		if err != nil {
			return 0, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("option %q must be a number", rule.UnitOption), err)
		}
		cost += rule.UnitCredits.Mul(units).Ceil().IntPart()
	}
	if cost < 0 {
		return 0, nil
	}
	return cost, nil
}

func unitValue(v interface{}) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(val), nil
	case float32:
		return decimal.NewFromFloat32(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	case json.Number:
		return decimal.NewFromString(val.String())
	case string:
		return decimal.NewFromString(val)
	}
	return decimal.Zero, fmt.Errorf("unsupported unit value %T", v)
}

// ListPricingRules returns every stored pricing rule.
func (k *Kiln) ListPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	return k.datasource.GetAllPricingRules(ctx)
}

// UpsertPricingRule creates or replaces the rule for its kind and model.
func (k *Kiln) UpsertPricingRule(ctx context.Context, rule model.PricingRule) (*model.PricingRule, error) {
	if !rule.Kind.IsValid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unsupported kind %q", rule.Kind), nil)
	}
	if rule.BaseCredits < 0 || rule.UnitCredits.IsNegative() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "prices cannot be negative", nil)
	}

	saved, err := k.datasource.UpsertPricingRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	if rp, ok := k.pricer.(*RulePricer); ok {
		rp.invalidate(ctx, rule.Kind, rule.Model)
	}
	return saved, nil
}
