package extraction

import (
	"strings"
	"unicode"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Stats measures text without calling any model. Characters excludes
// whitespace; paragraphs are non-blank lines; sentences are runs ending in a
// terminator, plus a trailing unterminated run.
func Stats(text string) domain.Statistics {
	var st domain.Statistics
	for line := range strings.SplitSeq(text, "\n") {
		if strings.TrimSpace(line) != "" {
			st.Paragraphs++
		}
	}

	pending := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		st.Characters++
		if strings.ContainsRune("。！？!?", r) {
			if pending {
				st.Sentences++
			}
			pending = false
			continue
		}
		if !unicode.IsPunct(r) {
			pending = true
		}
	}
	if pending {
		st.Sentences++
	}
	st.Complexity = domain.Complexity(st.Characters)
	return st
}

// classCategories maps well-known extraction classes to report categories
// for dimensions whose schema entry names none.
var classCategories = map[string]string{
	"错别字":                domain.CategoryBasicNorms,
	"标点错误":               domain.CategoryBasicNorms,
	"语法问题":               domain.CategoryBasicNorms,
	"中心思想":               domain.CategoryContentStructure,
	"主题":                 domain.CategoryContentStructure,
	"main_idea":          domain.CategoryContentStructure,
	"修辞手法":               domain.CategoryLanguage,
	"rhetorical_device":  domain.CategoryLanguage,
	"亮点句子":               domain.CategoryLanguage,
	"优美句子":               domain.CategoryLanguage,
	"highlight_sentence": domain.CategoryLanguage,
	"改进建议":               domain.CategoryImprovement,
	"improvement":        domain.CategoryImprovement,
	"问题":                 domain.CategoryImprovement,
}

// CategoryOf resolves the report category of a dimension.
func CategoryOf(schema *domain.Schema, dimension string) string {
	if schema != nil {
		if d, ok := schema.Dimension(dimension); ok && d.Category != "" {
			return d.Category
		}
	}
	if c, ok := classCategories[dimension]; ok {
		return c
	}
	return domain.CategoryContentStructure
}

// Categorize fills in each item's category and groups the items by it.
// Every category is present in the result, possibly empty.
func Categorize(schema *domain.Schema, items []domain.ExtractionItem) map[string][]domain.ExtractionItem {
	groups := make(map[string][]domain.ExtractionItem, len(domain.Categories))
	for _, c := range domain.Categories {
		groups[c] = []domain.ExtractionItem{}
	}
	for i := range items {
		if items[i].Category == "" {
			items[i].Category = CategoryOf(schema, items[i].Dimension)
		}
		groups[items[i].Category] = append(groups[items[i].Category], items[i])
	}
	return groups
}
