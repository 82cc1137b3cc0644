// Package params 将调用方传入的通用键值表解码为带类型的结构体。
package params

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Decode 将 input 解码到 out（指向结构体的指针）。
// 数字与字符串之间允许弱类型转换，因为 MCP 客户端经常把数字写成字符串。
// strict 为 true 时，未知键会导致错误；否则结构体需要用 ",remain" 字段接收它们。
func Decode(input map[string]any, out any, strict bool) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		ErrorUnused:      strict,
		ZeroFields:       false,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("%s", cleanError(err))
	}
	return nil
}

// cleanError 把 mapstructure 的多行错误压成一行。
func cleanError(err error) string {
	if merr, ok := err.(*mapstructure.Error); ok {
		parts := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			parts = append(parts, strings.TrimSpace(e))
		}
		return strings.Join(parts, "; ")
	}
	return err.Error()
}

// Normalize 返回小写且去除首尾空白的字符串，用于枚举值比较。
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// OneOf 检查 value 是否在 allowed 中，不在时返回列出所有合法值的错误。
func OneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s (got %q)", field, strings.Join(allowed, ", "), value)
}
