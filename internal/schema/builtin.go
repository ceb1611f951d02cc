package schema

import (
	"context"
	"fmt"

	"github.com/amibaren/essaygrader/internal/domain"
)

// Builtin template names.
const (
	TemplateBasicWriting = "basic_writing"
	TemplateNarrative    = "narrative"
	TemplateDescriptive  = "descriptive"
)

func dim(name, category, description string) domain.Dimension {
	return domain.Dimension{Name: name, Description: description, ValueType: domain.ValueText, Category: category}
}

var builtins = map[string]*domain.Schema{
	TemplateBasicWriting: {
		Name:        "基础写作评价",
		Description: "适用于各类小学作文的基础评价模板",
		Grade:       domain.Grade3,
		Type:        domain.EssayNarrative,
		Version:     1,
		Prompt: "从作文中提取以下信息，按出现顺序进行提取：\n" +
			"1. 基础规范：错别字、标点错误、语法问题\n" +
			"2. 内容要素：中心思想、关键信息、结构特点\n" +
			"3. 语言亮点：优美句子、修辞手法、精彩词汇\n" +
			"4. 改进建议：重复词汇、表达不清的地方、逻辑问题\n" +
			"重要：使用原文确切文字进行提取，不要改写或重新表述。",
		Dimensions: []domain.Dimension{
			dim("错别字", domain.CategoryBasicNorms, "写错或用错的字"),
			dim("标点错误", domain.CategoryBasicNorms, "使用不当的标点符号"),
			dim("语法问题", domain.CategoryBasicNorms, "搭配不当、成分残缺等病句"),
			dim("中心思想", domain.CategoryContentStructure, "文章要表达的主要意思"),
			dim("关键信息", domain.CategoryContentStructure, "支撑中心的重要内容"),
			dim("亮点句子", domain.CategoryLanguage, "写得特别好的句子"),
			dim("修辞手法", domain.CategoryLanguage, "比喻、拟人、排比、夸张等"),
			dim("精彩词汇", domain.CategoryLanguage, "生动准确的词语"),
			dim("重复词汇", domain.CategoryImprovement, "反复出现可以替换的词语"),
			dim("表达不清", domain.CategoryImprovement, "意思含糊或逻辑不通的地方"),
		},
		Examples: []domain.Example{{
			Text: "我的妈妈是一位温柔的老师。她每天早上都会为我准备美味的早餐，晚上还会陪我做作业。妈妈的眼睛像星星一样明亮，笑容像花儿一样美丽。我爱我的妈妈。",
			Extractions: []domain.ExampleExtraction{
				{Class: "中心思想", Text: "我爱我的妈妈", Attributes: map[string]string{"content_type": "main_idea"}},
				{Class: "修辞手法", Text: "眼睛像星星一样明亮", Attributes: map[string]string{"rhetorical_type": "比喻", "effect": "生动形象"}},
				{Class: "修辞手法", Text: "笑容像花儿一样美丽", Attributes: map[string]string{"rhetorical_type": "比喻", "effect": "生动形象"}},
				{Class: "亮点句子", Text: "她每天早上都会为我准备美味的早餐，晚上还会陪我做作业", Attributes: map[string]string{"highlight_type": "细节描写", "emotion": "温馨"}},
			},
		}},
	},
	TemplateNarrative: {
		Name:        "记叙文评价",
		Description: "专门用于记叙文的深度分析模板",
		Grade:       domain.Grade4,
		Type:        domain.EssayNarrative,
		Version:     1,
		Prompt: "从记叙文中提取以下记叙文特有元素：\n" +
			"1. 六要素：时间、地点、人物、事件起因、经过、结果\n" +
			"2. 情感表达：人物情感、情感变化\n" +
			"3. 细节描写：动作描写、语言描写、心理描写\n" +
			"4. 文章结构：开头、发展、高潮、结尾\n" +
			"按照在文中出现的顺序进行提取。",
		Dimensions: []domain.Dimension{
			dim("时间", domain.CategoryContentStructure, "事情发生的时间"),
			dim("地点", domain.CategoryContentStructure, "事情发生的地点"),
			dim("人物", domain.CategoryContentStructure, "文中出现的人物"),
			dim("事件经过", domain.CategoryContentStructure, "事件的起因、经过和结果"),
			dim("情感表达", domain.CategoryLanguage, "人物的情感和情感变化"),
			dim("动作描写", domain.CategoryLanguage, "描写人物动作的句子"),
			dim("语言描写", domain.CategoryLanguage, "描写人物语言的句子"),
			dim("心理描写", domain.CategoryLanguage, "描写人物内心活动的句子"),
			dim("结构问题", domain.CategoryImprovement, "开头、发展、高潮、结尾中可以加强的部分"),
		},
		Examples: []domain.Example{{
			Text: "昨天下午，我和小明在学校操场上踢足球。突然，小明摔倒了，膝盖破了皮，鲜血直流。我赶紧跑过去扶起他，用纸巾帮他擦血。虽然很疼，但小明坚强地没有哭。我们相视而笑，友谊更加深厚了。",
			Extractions: []domain.ExampleExtraction{
				{Class: "时间", Text: "昨天下午", Attributes: map[string]string{"element_type": "时间要素"}},
				{Class: "地点", Text: "学校操场", Attributes: map[string]string{"element_type": "地点要素"}},
				{Class: "人物", Text: "我和小明", Attributes: map[string]string{"element_type": "人物要素"}},
				{Class: "事件经过", Text: "小明摔倒了，膝盖破了皮，鲜血直流", Attributes: map[string]string{"event_stage": "冲突"}},
				{Class: "动作描写", Text: "我赶紧跑过去扶起他，用纸巾帮他擦血", Attributes: map[string]string{"description_type": "动作", "emotion": "关爱"}},
			},
		}},
	},
	TemplateDescriptive: {
		Name:        "描写文评价",
		Description: "专门用于描写文的细致分析模板",
		Grade:       domain.Grade4,
		Type:        domain.EssayDescriptive,
		Version:     1,
		Prompt: "从描写文中提取以下描写元素：\n" +
			"1. 五感描写：视觉、听觉、嗅觉、味觉、触觉\n" +
			"2. 修辞手法：比喻、拟人、排比、夸张等\n" +
			"3. 形容词和副词：生动的修饰词语\n" +
			"4. 描写顺序：空间顺序、时间顺序等\n" +
			"重点关注描写的生动性和层次感。",
		Dimensions: []domain.Dimension{
			dim("视觉描写", domain.CategoryLanguage, "看到的景象"),
			dim("听觉描写", domain.CategoryLanguage, "听到的声音"),
			dim("嗅觉描写", domain.CategoryLanguage, "闻到的气味"),
			dim("味觉描写", domain.CategoryLanguage, "尝到的味道"),
			dim("触觉描写", domain.CategoryLanguage, "摸到或感受到的"),
			dim("拟人手法", domain.CategoryLanguage, "把事物当作人来写"),
			dim("修饰词语", domain.CategoryLanguage, "生动的形容词和副词"),
			dim("描写顺序", domain.CategoryContentStructure, "空间或时间顺序"),
			dim("描写单薄", domain.CategoryImprovement, "可以写得更具体的地方"),
		},
		Examples: []domain.Example{{
			Text: "春天的公园里，樱花盛开，粉红色的花瓣如雪花般飘洒。微风轻拂，带来阵阵花香，沁人心脾。小鸟在枝头欢快地歌唱，清脆悦耳。孩子们在草地上嬉戏，欢声笑语回荡在空中。",
			Extractions: []domain.ExampleExtraction{
				{Class: "视觉描写", Text: "粉红色的花瓣如雪花般飘洒", Attributes: map[string]string{"sense_type": "视觉", "technique": "比喻"}},
				{Class: "嗅觉描写", Text: "带来阵阵花香，沁人心脾", Attributes: map[string]string{"sense_type": "嗅觉", "effect": "感受深刻"}},
				{Class: "听觉描写", Text: "小鸟在枝头欢快地歌唱，清脆悦耳", Attributes: map[string]string{"sense_type": "听觉", "emotion": "愉悦"}},
				{Class: "拟人手法", Text: "小鸟在枝头欢快地歌唱", Attributes: map[string]string{"rhetorical_type": "拟人", "effect": "生动有趣"}},
			},
		}},
	},
}

// TemplateNames lists builtin templates in a stable order.
var TemplateNames = []string{TemplateBasicWriting, TemplateNarrative, TemplateDescriptive}

// Template returns a copy of the named builtin template, or the basic
// writing template when the name is unknown.
func Template(name string) *domain.Schema {
	if s, ok := builtins[name]; ok {
		return s.Clone()
	}
	return builtins[TemplateBasicWriting].Clone()
}

// TemplateFor picks the builtin template closest to an essay type.
func TemplateFor(t domain.EssayType) *domain.Schema {
	switch t {
	case domain.EssayNarrative:
		return Template(TemplateNarrative)
	case domain.EssayDescriptive:
		return Template(TemplateDescriptive)
	default:
		return Template(TemplateBasicWriting)
	}
}

// Seed registers a template for every (grade, type) pair, using the builtin
// closest to each type. Empty grades means all six. Templates land on
// version 1 unless that key already holds different content, in which case
// the next free version is used; stored schemas are never replaced.
func Seed(ctx context.Context, store Store, grades ...domain.GradeLevel) ([]domain.SchemaKey, error) {
	if len(grades) == 0 {
		grades = domain.GradeLevels
	}
	keys := make([]domain.SchemaKey, 0, len(grades)*len(domain.EssayTypes))
	for _, g := range grades {
		for _, t := range domain.EssayTypes {
			s := TemplateFor(t)
			s.Grade, s.Type, s.Version = g, t, 1
			stored, err := Register(ctx, store, s)
			if err != nil {
				return keys, fmt.Errorf("seeding %s: %w", s.Key(), err)
			}
			keys = append(keys, stored.Key())
		}
	}
	return keys, nil
}
