// Package matching holds the pure pairing logic: the questionnaire
// definition, compatibility scoring, shared-interest derivation, and the
// greeting lines attached to match results. Nothing in this package touches
// storage.
package matching

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed questionnaire.yaml
var defaultQuestionnaire []byte

// Tiers maps an answer bucket to an interest label. Empty labels emit nothing.
type Tiers struct {
	Low  string `yaml:"low"`  // answer <= 1
	Mid  string `yaml:"mid"`  // answer == 2
	High string `yaml:"high"` // answer >= 3
}

// Item is a single questionnaire question and the rule that turns a close
// pair of answers into a shared-interest label. Exactly one of Label, Tiers,
// or Choices drives the label.
type Item struct {
	ID      string   `yaml:"id"`
	Prompt  string   `yaml:"prompt"`
	Key     bool     `yaml:"key"`
	Label   string   `yaml:"label"`
	Tiers   *Tiers   `yaml:"tiers"`
	Prefix  string   `yaml:"prefix"`
	Choices []string `yaml:"choices"`
}

// Questionnaire defines the answer vector layout and scoring parameters.
type Questionnaire struct {
	ScaleMax         int    `yaml:"scale_max"`
	KeyBonus         int    `yaml:"key_bonus"`
	MinInterests     int    `yaml:"min_interests"`
	FallbackInterest string `yaml:"fallback_interest"`
	Items            []Item `yaml:"items"`

	keys []int
}

// Default returns the embedded questionnaire. It panics if the embedded file
// is malformed, which is a build defect.
func Default() *Questionnaire {
	q, err := Parse(defaultQuestionnaire)
	if err != nil {
		panic(fmt.Sprintf("matching: embedded questionnaire: %v", err))
	}
	return q
}

// Load reads a questionnaire from path. An empty path yields Default().
func Load(path string) (*Questionnaire, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes and validates a YAML questionnaire.
func Parse(b []byte) (*Questionnaire, error) {
	var q Questionnaire
	if err := yaml.Unmarshal(b, &q); err != nil {
		return nil, fmt.Errorf("decode questionnaire: %w", err)
	}
	if err := q.init(); err != nil {
		return nil, err
	}
	return &q, nil
}

func (q *Questionnaire) init() error {
	if q.ScaleMax <= 0 {
		return errors.New("scale_max must be > 0")
	}
	if q.KeyBonus < 0 {
		return errors.New("key_bonus must be >= 0")
	}
	if len(q.Items) == 0 {
		return errors.New("questionnaire has no items")
	}
	q.keys = q.keys[:0]
	for i, it := range q.Items {
		if it.ID == "" {
			return fmt.Errorf("item %d: id is required", i)
		}
		if it.Label == "" && it.Tiers == nil && len(it.Choices) == 0 {
			return fmt.Errorf("item %q: one of label, tiers or choices is required", it.ID)
		}
		if len(it.Choices) > 0 && len(it.Choices) != q.ScaleMax+1 {
			return fmt.Errorf("item %q: choices must cover the whole scale (%d entries)", it.ID, q.ScaleMax+1)
		}
		if it.Key {
			q.keys = append(q.keys, i)
		}
	}
	return nil
}

// Len is the required answer vector length.
func (q *Questionnaire) Len() int { return len(q.Items) }

// KeyIndices returns the indices of key questions.
func (q *Questionnaire) KeyIndices() []int {
	out := make([]int, len(q.keys))
	copy(out, q.keys)
	return out
}

// Validate checks that answers has the questionnaire's length and every value
// lies on the scale.
func (q *Questionnaire) Validate(answers []int) error {
	if len(answers) != q.Len() {
		return fmt.Errorf("expected %d answers, got %d", q.Len(), len(answers))
	}
	for i, a := range answers {
		if a < 0 || a > q.ScaleMax {
			return fmt.Errorf("answer %d out of range [0,%d]", i, q.ScaleMax)
		}
	}
	return nil
}
