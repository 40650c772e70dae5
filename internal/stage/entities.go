package stage

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/tender-intel/internal/model"
	"github.com/sells-group/tender-intel/internal/resilience"
)

// Phrase lexicons for clause and compliance detection. Matching runs over
// lowercased, diacritic-folded text, so entries are lowercase ASCII.
var (
	criticalClauseLexicon = []string{
		"liquidated damages",
		"penalty for delay",
		"penalty clause",
		"termination for convenience",
		"unlimited liability",
		"consequential damages",
		"performance bond",
		"bank guarantee",
		"parent company guarantee",
		"indemnification",
		"indemnify",
		"retention of payment",
		"time is of the essence",
	}

	complianceLexicon = []string{
		"iso 9001",
		"iso 14001",
		"iso 27001",
		"iso 45001",
		"gdpr",
		"soc 2",
		"hipaa",
		"cmmc",
		"security clearance",
		"prevailing wage",
		"local content",
		"data residency",
		"export control",
	}
)

var (
	moneyPattern = regexp.MustCompile(`(?i)(?:\$|€|£|usd|eur|gbp)\s?\d[\d.,]*(?:\s?(?:thousand|million|billion|k|m|bn))?`)
	datePattern  = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b|\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{4}\b`)
	orgPattern   = regexp.MustCompile(`\b[A-Z][\w&-]*(?: [A-Z][\w&-]*){0,3},? (?:Inc\.?|LLC|Ltd\.?|GmbH|Corp\.?|plc|PLC|B\.V\.|S\.A\.|Pty)\b`)
)

// Sentences containing an obligation verb count as requirement entities.
var obligationPattern = regexp.MustCompile(`(?i)\b(?:shall|must|is required to|are required to)\b`)

// foldTransformer strips combining marks so "qualité" matches "qualite".
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func normalizeText(s string) string {
	folded, _, err := transform.String(foldTransformer, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// EntityAdapter runs deterministic entity and clause analysis over the
// extracted text. It has no external dependencies, so its failures are
// limited to missing input.
type EntityAdapter struct {
	requirements []Requirement
}

// NewEntityAdapter creates the entity adapter with the reference
// requirement list used for capability matching.
func NewEntityAdapter(requirements []Requirement) *EntityAdapter {
	return &EntityAdapter{requirements: requirements}
}

func (a *EntityAdapter) Stage() model.StageID { return model.StageEntities }

func (a *EntityAdapter) Execute(ctx context.Context, _ model.Document, prior []model.StageResult) (model.StagePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	extract := latestPayload[model.ExtractPayload](prior, model.StageExtract)
	if extract == nil || strings.TrimSpace(extract.Text) == "" {
		return nil, &resilience.InvalidDocumentError{Reason: "entity analysis requires extracted text"}
	}

	text := extract.Text
	folded := normalizeText(text)

	payload := model.EntityPayload{
		Entities:         harvestEntities(text),
		CriticalClauses:  matchLexicon(folded, criticalClauseLexicon),
		ComplianceFlags:  matchLexicon(folded, complianceLexicon),
		RequirementTotal: len(a.requirements),
	}

	for _, req := range a.requirements {
		for _, kw := range req.Keywords {
			if strings.Contains(folded, normalizeText(kw)) {
				payload.RequirementMatches++
				break
			}
		}
	}

	return payload, nil
}

// harvestEntities collects typed phrases from the raw text, deduplicated
// with occurrence counts, ordered by count then text for stable output.
func harvestEntities(text string) []model.Entity {
	type key struct{ text, kind string }
	counts := make(map[key]int)

	collect := func(kind string, matches []string) {
		for _, m := range matches {
			m = strings.TrimSpace(m)
			if m == "" {
				continue
			}
			counts[key{text: m, kind: kind}]++
		}
	}

	collect("money", moneyPattern.FindAllString(text, -1))
	collect("date", datePattern.FindAllString(text, -1))
	collect("org", orgPattern.FindAllString(text, -1))

	if n := len(obligationPattern.FindAllString(text, -1)); n > 0 {
		counts[key{text: "obligation", kind: "requirement"}] = n
	}

	entities := make([]model.Entity, 0, len(counts))
	for k, c := range counts {
		entities = append(entities, model.Entity{Text: k.text, Kind: k.kind, Count: c})
	}
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Count != entities[j].Count {
			return entities[i].Count > entities[j].Count
		}
		return entities[i].Text < entities[j].Text
	})

	return entities
}

func matchLexicon(folded string, lexicon []string) []string {
	var hits []string
	for _, phrase := range lexicon {
		if strings.Contains(folded, phrase) {
			hits = append(hits, phrase)
		}
	}
	return hits
}

// latestPayload returns the most recent succeeded payload of type T for the
// given stage from prior results, or nil.
func latestPayload[T model.StagePayload](prior []model.StageResult, stage model.StageID) *T {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].Stage != stage || prior[i].Status != model.StageSucceeded {
			continue
		}
		if p, ok := prior[i].Payload.(T); ok {
			return &p
		}
		return nil
	}
	return nil
}
