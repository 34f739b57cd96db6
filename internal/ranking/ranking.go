// Package ranking scores catalog candidates by listing completeness.
package ranking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"

	"github.com/julienbonastre/allegro-helpers/internal/allegro"
)

// Scoring weights
const (
	PointsPerImage     = 10.0
	PointsPerParameter = 2.0
	BrandBonus         = 10.0
	ModelBonus         = 10.0
	NoImagePenalty     = -20.0

	MaxDescriptionChars  = 2000
	DescriptionCharsUnit = 50.0

	// DefaultTopN is how many candidates are presented to the operator
	DefaultTopN = 3
)

var (
	brandPattern = regexp.MustCompile(`(?i)marka|brand`)
	modelPattern = regexp.MustCompile(`(?i)model`)
)

// Candidate is a scored catalog product
type Candidate struct {
	allegro.Product
	Score           float64  `json:"score"`
	Reasons         []string `json:"reasons"`
	TitleSimilarity *float64 `json:"titleSimilarity,omitempty"`
}

// Score computes the completeness score of a product and the reasons behind it
func Score(p allegro.Product) (float64, []string) {
	var score float64
	reasons := make([]string, 0, 6)

	images := len(p.Images)
	imagePoints := float64(images) * PointsPerImage
	score += imagePoints
	reasons = append(reasons, fmt.Sprintf("images: %d (+%g)", images, imagePoints))

	descLen := DescriptionLength(p.Description)
	descPoints := float64(min(descLen, MaxDescriptionChars)) / DescriptionCharsUnit
	score += descPoints
	reasons = append(reasons, fmt.Sprintf("description: %d chars (+%g)", descLen, descPoints))

	paramPoints := float64(len(p.Parameters)) * PointsPerParameter
	score += paramPoints
	reasons = append(reasons, fmt.Sprintf("parameters: %d (+%g)", len(p.Parameters), paramPoints))

	if hasParameter(p.Parameters, brandPattern) {
		score += BrandBonus
		reasons = append(reasons, fmt.Sprintf("brand present (+%g)", BrandBonus))
	}
	if hasParameter(p.Parameters, modelPattern) {
		score += ModelBonus
		reasons = append(reasons, fmt.Sprintf("model present (+%g)", ModelBonus))
	}
	if images == 0 {
		score += NoImagePenalty
		reasons = append(reasons, fmt.Sprintf("no images (%g)", NoImagePenalty))
	}

	return score, reasons
}

// RankProducts scores every product and sorts by score descending.
// Equal scores keep their input order.
func RankProducts(products []allegro.Product) []Candidate {
	ranked := make([]Candidate, len(products))
	for i, p := range products {
		score, reasons := Score(p)
		ranked[i] = Candidate{Product: p, Score: score, Reasons: reasons}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Top returns at most n leading candidates
func Top(ranked []Candidate, n int) []Candidate {
	if n < 0 {
		n = 0
	}
	if len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}

// TitleSimilarity returns the Jaro-Winkler similarity (0..1) of two titles, case-insensitive
func TitleSimilarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	return strutil.Similarity(a, b, metrics.NewJaroWinkler())
}

// AnnotateSimilarity sets TitleSimilarity against name without changing order or score
func AnnotateSimilarity(candidates []Candidate, name string) {
	for i := range candidates {
		sim := TitleSimilarity(name, candidates[i].Name)
		candidates[i].TitleSimilarity = &sim
	}
}

// DescriptionLength counts the characters of a flattened description.
// Plain strings count as-is, sections/items descriptions count their item
// texts joined by newlines, anything else counts its compact JSON form.
func DescriptionLength(raw json.RawMessage) int {
	return utf8.RuneCountInString(FlattenDescription(raw))
}

type structuredDescription struct {
	Sections []struct {
		Items []struct {
			Text    *string `json:"text"`
			Content *string `json:"content"`
		} `json:"items"`
	} `json:"sections"`
}

// FlattenDescription renders a description as plain text
func FlattenDescription(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	if trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil {
			if _, ok := probe["sections"]; ok {
				var desc structuredDescription
				if err := json.Unmarshal(trimmed, &desc); err == nil {
					var parts []string
					for _, section := range desc.Sections {
						for _, item := range section.Items {
							switch {
							case item.Text != nil:
								parts = append(parts, *item.Text)
							case item.Content != nil:
								parts = append(parts, *item.Content)
							}
						}
					}
					return strings.Join(parts, "\n")
				}
			}
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return string(trimmed)
	}
	return compact.String()
}

func hasParameter(params []allegro.Parameter, pattern *regexp.Regexp) bool {
	for _, p := range params {
		if pattern.MatchString(p.Name) || pattern.MatchString(p.ID) {
			return true
		}
	}
	return false
}
