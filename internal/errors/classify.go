package errors

import (
	"strings"
)

// Category 是执行失败的分类，用于决定恢复策略与对外展示。
type Category string

const (
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryNetwork           Category = "network"
	CategoryUserInput         Category = "user_input"
	CategoryRetryable         Category = "retryable"
	CategoryFatal             Category = "fatal"
)

const (
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeNetwork           Code = "NETWORK"
	CodeUserInput         Code = "USER_INPUT"
	CodeRetryable         Code = "RETRYABLE"
	CodeFatal             Code = "FATAL"
)

// 关键字按顺序匹配，先命中者生效。
var categoryKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryInsufficientFunds, []string{"insufficient", "balance"}},
	{CategoryNetwork, []string{"network", "timeout"}},
	{CategoryUserInput, []string{"invalid", "format"}},
	{CategoryRetryable, []string{"retry"}},
}

// Classify 将错误归入分类。显式的分类错误码优先，否则按错误信息中的关键字判断。
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		if category := e.Category(); category != "" {
			return category
		}
	}
	return ClassifyMessage(err.Error())
}

// ClassifyMessage 仅依据文本进行分类。
func ClassifyMessage(message string) Category {
	lower := strings.ToLower(message)
	for _, rule := range categoryKeywords {
		for _, keyword := range rule.keywords {
			if strings.Contains(lower, keyword) {
				return rule.category
			}
		}
	}
	return CategoryFatal
}

// CodeFor 返回分类对应的错误码。
func CodeFor(category Category) Code {
	switch category {
	case CategoryInsufficientFunds:
		return CodeInsufficientFunds
	case CategoryNetwork:
		return CodeNetwork
	case CategoryUserInput:
		return CodeUserInput
	case CategoryRetryable:
		return CodeRetryable
	default:
		return CodeFatal
	}
}
