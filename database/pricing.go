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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/kilnhq/kiln/internal/apierror"
	"github.com/kilnhq/kiln/model"
)

const pricingColumns = "kind, model, base_credits, unit_credits, unit_option, is_active, is_maintenance, updated_at"

func scanPricingRule(row interface{ Scan(...interface{}) error }) (*model.PricingRule, error) {
	rule := &model.PricingRule{}
	err := row.Scan(&rule.Kind, &rule.Model, &rule.BaseCredits, &rule.UnitCredits, &rule.UnitOption,
		&rule.IsActive, &rule.IsMaintenance, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// GetPricingRule returns the rule for kind and modelName, falling back to the
// kind's default rule. It returns nil when neither exists.
func (d Datasource) GetPricingRule(ctx context.Context, kind model.Kind, modelName string) (*model.PricingRule, error) {
	rule, err := scanPricingRule(d.Conn.QueryRowContext(ctx, `
		SELECT `+pricingColumns+` FROM kiln.pricing_rules
		WHERE kind = $1 AND (model = $2 OR model = '')
		ORDER BY model DESC
		LIMIT 1
	`, kind, modelName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pricing rule", err)
	}
	return rule, nil
}

func (d Datasource) UpsertPricingRule(ctx context.Context, rule model.PricingRule) (*model.PricingRule, error) {
	saved, err := scanPricingRule(d.Conn.QueryRowContext(ctx, `
		INSERT INTO kiln.pricing_rules (kind, model, base_credits, unit_credits, unit_option, is_active, is_maintenance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (kind, model) DO UPDATE
		SET base_credits = EXCLUDED.base_credits,
			unit_credits = EXCLUDED.unit_credits,
			unit_option = EXCLUDED.unit_option,
			is_active = EXCLUDED.is_active,
			is_maintenance = EXCLUDED.is_maintenance,
			updated_at = EXCLUDED.updated_at
		RETURNING `+pricingColumns,
		rule.Kind, rule.Model, rule.BaseCredits, rule.UnitCredits, rule.UnitOption, rule.IsActive, rule.IsMaintenance, time.Now().UTC()))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to save pricing rule", err)
	}
	return saved, nil
}

func (d Datasource) GetAllPricingRules(ctx context.Context) ([]model.PricingRule, error) {
	rows, err := d.Conn.QueryContext(ctx, `SELECT `+pricingColumns+` FROM kiln.pricing_rules ORDER BY kind, model`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pricing rules", err)
	}
	defer rows.Close()

	rules := []model.PricingRule{}
	for rows.Next() {
		rule, err := scanPricingRule(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan pricing rule", err)
		}
		rules = append(rules, *rule)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over pricing rules", err)
	}
	return rules, nil
}
