package merge

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"property-sync/models"
	"property-sync/utils"
)

// Delta is the result of a merge: only the fields that must be written.
// Insert is set when there was no stored record and Fields is the whole new record.
type Delta struct {
	Fields models.Fields
	Insert bool
}

// Changed reports whether anything needs persisting.
func (d Delta) Changed() bool {
	return d.Insert || len(d.Fields) > 0
}

// Names lists the written fields without the timestamp stamp.
func (d Delta) Names() []string {
	var out []string
	for _, n := range d.Fields.Names() {
		if n != models.FieldUpdatedAt {
			out = append(out, n)
		}
	}
	return out
}

// Engine applies a RuleSet to incoming extractions.
type Engine struct {
	rules *RuleSet
	now   func() time.Time
}

func NewEngine(rules *RuleSet) *Engine {
	if rules == nil {
		rules = DefaultRules(0)
	}
	return &Engine{rules: rules, now: time.Now}
}

func (e *Engine) Rules() *RuleSet {
	return e.rules
}

// Merge decides which incoming fields may overwrite existing. A nil existing
// record means a plain insert of every non-empty incoming field. Empty incoming
// values are treated as absent and never clear stored data.
func (e *Engine) Merge(existing *models.ListingRecord, incoming models.Fields) (Delta, error) {
	if err := validate(incoming); err != nil {
		return Delta{}, err
	}
	now := e.now().UTC()

	if existing == nil {
		out := models.Fields{}
		for name, v := range incoming {
			if !models.IsEmpty(v) {
				out[name] = v
			}
		}
		out[models.FieldUpdatedAt] = now
		return Delta{Fields: out, Insert: true}, nil
	}

	out := models.Fields{}
	for _, name := range incoming.Names() {
		in := incoming[name]
		if models.IsEmpty(in) {
			continue
		}
		cur, _ := existing.Get(name)
		rule := e.rules.Rule(name)

		take := false
		switch rule.Policy {
		case NeverOverwrite:
			take = models.IsEmpty(cur)
			if !take && !rule.Same(cur, in) {
				utils.L().Debug("kept write-once field",
					zap.String("listing_id", existing.ID), zap.String("field", name))
			}
		case OverwriteIfEmpty:
			take = models.IsEmpty(cur)
		case OverwriteIfChanged, AlwaysOverwrite:
			// writing an equal value would only bump the timestamp
			take = !rule.Same(cur, in)
		}
		if take {
			out[name] = in
			fieldChanges.WithLabelValues(name, string(rule.Policy)).Inc()
		}
	}

	if len(out) > 0 {
		out[models.FieldUpdatedAt] = now
	}
	return Delta{Fields: out}, nil
}

// validate rejects unknown fields and values of the wrong type.
func validate(f models.Fields) error {
	var scratch models.ListingRecord
	for _, name := range f.Names() {
		if name == models.FieldUpdatedAt || name == models.FieldContentHash {
			return utils.NewValidationError("merge", fmt.Sprintf("field %q is managed by the store", name))
		}
		if f[name] == nil {
			continue
		}
		if err := scratch.Apply(models.Fields{name: f[name]}); err != nil {
			return utils.NewValidationError("merge", err.Error())
		}
	}
	return nil
}
