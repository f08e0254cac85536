// Package diagnosis turns a classifier label into the knowledge base entries that we show to the user
package diagnosis

import (
	"context"

	"github.com/cyclopcam/logs"
)

// Entry is the description and treatment of a single condition
type Entry struct {
	DiseaseName string `json:"disease_name"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
}

// Store is the knowledge base. FindDisease returns (nil, nil) if there is no entry.
type Store interface {
	FindDisease(ctx context.Context, plantName, diseaseName string) (*Entry, error)
}

// Result of resolving a label. Entries is never empty.
type Result struct {
	Label    Label
	Entries  []Entry
	Fallback bool // True if Entries is a placeholder, because the knowledge base had nothing for us
}

type Resolver struct {
	log   logs.Log
	store Store
}

func NewResolver(log logs.Log, store Store) *Resolver {
	return &Resolver{
		log:   logs.NewPrefixLogger(log, "diagnosis:"),
		store: store,
	}
}

// Resolve looks up the label in the knowledge base.
// A lookup failure is never returned to the caller. Instead, we log it and return the
// placeholder entry, so that an analysis can always be completed.
func (r *Resolver) Resolve(ctx context.Context, label Label) Result {
	entry, err := r.store.FindDisease(ctx, label.Subject, label.Condition)
	if err != nil {
		r.log.Errorf("Lookup of %v failed: %v", label, err)
	} else if entry != nil {
		return Result{
			Label:   label,
			Entries: []Entry{*entry},
		}
	}
	return Result{
		Label:    label,
		Entries:  []Entry{FallbackEntry(label.Condition)},
		Fallback: true,
	}
}

// Resolve a raw label string
func (r *Resolver) ResolveRaw(ctx context.Context, raw string) Result {
	return r.Resolve(ctx, ParseLabel(raw))
}

// FallbackEntry is the placeholder that we return when the knowledge base has no entry
func FallbackEntry(condition string) Entry {
	if condition == "" {
		condition = UnknownCondition
	}
	return Entry{
		DiseaseName: condition,
		Description: "No detailed description is available for this condition yet.",
		Solution:    "No treatment advice is available yet. Please consult a local agricultural expert.",
	}
}
