package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amibaren/essaygrader/internal/domain"
)

var systemPrompts = map[domain.AgentRole]string{
	domain.RoleDesigner: "你是一位经验丰富的小学语文教学顾问，负责根据年级、作文类型和教师的评价重点设计作文评价模板。" +
		"模板由若干评价维度组成，每个维度需要有名称、说明、取值类型（text、number、boolean、list）和所属类别" +
		"（basic_norms、content_structure、language_highlights、improvement_suggestions）。" +
		"维度要贴合该年级学生的写作水平，名称简短且互不重复。直接给出模板，不要向用户追问。",
	domain.RoleAnalyst: "你是一位严谨的文本分析专家。你会收到学生作文原文、评价模板以及结构化提取的初步结果。" +
		"请核对每一条提取结果，删去与原文不符的条目，补充遗漏的重要内容，并写出整体分析。" +
		"所有条目的文字必须是原文中的原句或原词，start 和 end 是按字符计算的位置。",
	domain.RolePraiser: "你是一位热情阳光的小学语文老师，善于发现学生作文的亮点。" +
		"请根据分析结果，用孩子能听懂的温暖语言具体地表扬作文中的优点，引用原文中的好词好句，" +
		"让学生感受到被认可，并愿意继续写作。",
	domain.RoleGuide: "你是一位温和的引导老师，通过提问启发学生自己发现作文中可以改进的地方。" +
		"不要直接给出修改答案，而是提出三到五个具体、友好、与原文相关的问题，帮助学生思考如何写得更好。",
	domain.RoleReporter: "你是一位专业的报告撰写员，负责整合文本分析、表扬和引导意见，" +
		"为老师和家长写一段简明的综合评价，并给出下一步的练习建议。若某部分标记为不可用，请忽略该部分。",
}

// SystemPrompt returns the builtin system prompt of role.
func SystemPrompt(role domain.AgentRole) string {
	return systemPrompts[role]
}

var outputShapes = map[domain.AgentRole]string{
	domain.RoleDesigner: `{"schema":{"name":"","description":"","grade":"grade_3","type":"narrative","version":1,` +
		`"prompt":"","dimensions":[{"name":"","description":"","value_type":"text","category":"language_highlights","example":""}],` +
		`"examples":[{"text":"","extractions":[{"extraction_class":"","extraction_text":"","attributes":{}}]}]}}`,
	domain.RoleAnalyst: `{"items":[{"dimension":"","start":0,"end":0,"text":"","attributes":{},"confidence":0.9}],` +
		`"commentary":"","strengths":[""],"weaknesses":[""]}`,
	domain.RolePraiser:  `{"content":"","highlights":[""]}`,
	domain.RoleGuide:    `{"content":"","questions":[""]}`,
	domain.RoleReporter: `{"summary":"","next_steps":[""]}`,
}

// OutputShape returns the JSON skeleton role is asked to answer with.
func OutputShape(role domain.AgentRole) string {
	return outputShapes[role]
}

// renderUserMessage builds the single user turn of an invocation: the task
// prompt, the JSON-encoded input, optional few-shot examples and the
// expected output shape.
func renderUserMessage(role domain.AgentRole, prompt string, input domain.AgentInput, examples []domain.Example) (string, error) {
	payload, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s input: %w", role, err)
	}

	var b strings.Builder
	if prompt = strings.TrimSpace(prompt); prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("## 输入\n```json\n")
	b.Write(payload)
	b.WriteString("\n```\n")

	if len(examples) > 0 {
		b.WriteString("\n## 示例\n")
		for i, ex := range examples {
			fmt.Fprintf(&b, "示例%d 原文：%s\n", i+1, ex.Text)
			for _, e := range ex.Extractions {
				fmt.Fprintf(&b, "- %s：%s", e.Class, e.Text)
				if len(e.Attributes) > 0 {
					attrs, _ := json.Marshal(e.Attributes)
					fmt.Fprintf(&b, " %s", attrs)
				}
				b.WriteByte('\n')
			}
		}
	}

	b.WriteString("\n## 输出格式\n只输出一个 JSON 对象，格式如下：\n")
	b.WriteString(OutputShape(role))
	b.WriteByte('\n')
	return b.String(), nil
}
