package workflow

import (
	"fmt"
	"strings"

	"github.com/amibaren/essaygrader/internal/domain"
)

func designerPrompt(req domain.GradingRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请为%d年级的%s作文设计一个批改模板。", req.Grade.Number(), typeLabel(req.Type))
	b.WriteString("模板应覆盖基础规范、内容结构、语言亮点和改进建议，维度名称简洁，难度符合该年级学生的水平。")
	b.WriteString("输入中的 template 是可以参考的内置模板。")
	if req.Focus != "" {
		fmt.Fprintf(&b, "\n老师特别关注：%s", req.Focus)
	}
	return b.String()
}

func analystPrompt(s *domain.Schema, focus string) string {
	var b strings.Builder
	if s.Prompt != "" {
		b.WriteString(s.Prompt)
		b.WriteString("\n\n")
	}
	b.WriteString("请结合抽取结果分析这篇作文。items 中的每一项必须引用原文片段，start/end 为字符位置，dimension 必须是模板中的维度；commentary 给出整体评价。")
	if focus != "" {
		fmt.Fprintf(&b, "\n老师特别关注：%s", focus)
	}
	return b.String()
}

func praiserPrompt(grade domain.GradeLevel) string {
	return fmt.Sprintf("请根据分析结果，用%d年级学生能读懂的语言，具体地表扬这篇作文的亮点，引用原文。", grade.Number())
}

func guidePrompt(grade domain.GradeLevel) string {
	return fmt.Sprintf("请根据分析结果，提出3到5个启发式问题，引导%d年级学生自己发现可以改进的地方，不要直接给出答案。", grade.Number())
}

const reporterPrompt = "请综合分析、表扬和引导内容，写一段给学生和家长看的总结，并列出下一步的练习建议。标记为 [unavailable] 的部分未能生成，请不要编造。"

// repairPrompt asks the model to correct a rejected output.
func repairPrompt(original string, verr *domain.ValidationError) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\n\n你上一次的输出不符合要求，请修正后重新输出完整结果。")
	if len(verr.MissingFields) > 0 {
		fmt.Fprintf(&b, "\n缺少字段：%s", strings.Join(verr.MissingFields, "，"))
	}
	if len(verr.TypeErrors) > 0 {
		fmt.Fprintf(&b, "\n错误：%s", strings.Join(verr.TypeErrors, "；"))
	}
	return b.String()
}

var typeLabels = map[domain.EssayType]string{
	domain.EssayNarrative:     "记叙文",
	domain.EssayDescriptive:   "描写文",
	domain.EssayExpository:    "说明文",
	domain.EssayArgumentative: "议论文",
	domain.EssayPractical:     "应用文",
}

func typeLabel(t domain.EssayType) string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}
