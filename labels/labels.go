// Package labels 定义类别标签及其到输出下标的显式映射。
package labels

import (
	"fmt"
	"sort"
	"strings"
)

// Negative 非数字负样本类别
const Negative = "negative"

// Map 类别到下标的映射，按标签字符串的字典序分配连续下标
type Map struct {
	names []string
	index map[string]int
}

// New 由数字类别构建映射，自动补充 negative 类
func New(digits ...string) (Map, error) {
	names := make([]string, 0, len(digits)+1)
	seen := make(map[string]bool, len(digits)+1)
	for _, d := range digits {
		d = strings.TrimSpace(d)
		if d == "" {
			return Map{}, fmt.Errorf("类别标签为空")
		}
		if seen[d] {
			return Map{}, fmt.Errorf("类别 %q 重复", d)
		}
		seen[d] = true
		names = append(names, d)
	}
	if !seen[Negative] {
		names = append(names, Negative)
	}
	if len(names) < 2 {
		return Map{}, fmt.Errorf("至少需要一个数字类别")
	}
	sort.Strings(names)
	return fromSorted(names), nil
}

// FromOrdered 从已持久化的有序标签列表恢复映射，顺序必须是字典序
func FromOrdered(names []string) (Map, error) {
	if len(names) == 0 {
		return Map{}, fmt.Errorf("类别列表为空")
	}
	if !sort.StringsAreSorted(names) {
		return Map{}, fmt.Errorf("类别列表未按字典序排列: %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i] == names[i-1] {
			return Map{}, fmt.Errorf("类别 %q 重复", names[i])
		}
	}
	return fromSorted(append([]string(nil), names...)), nil
}

func fromSorted(names []string) Map {
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}
	return Map{names: names, index: index}
}

// Len 类别数量，即网络输出宽度
func (m Map) Len() int { return len(m.names) }

// Index 返回标签对应的下标
func (m Map) Index(label string) (int, bool) {
	i, ok := m.index[label]
	return i, ok
}

// Label 返回下标对应的标签
func (m Map) Label(i int) string {
	if i < 0 || i >= len(m.names) {
		return ""
	}
	return m.names[i]
}

// Labels 按下标顺序返回全部标签
func (m Map) Labels() []string {
	return append([]string(nil), m.names...)
}

// IsNegative 标签是否为负样本类
func IsNegative(label string) bool { return label == Negative }

func (m Map) String() string {
	parts := make([]string, len(m.names))
	for i, n := range m.names {
		parts[i] = fmt.Sprintf("'%s': %d", n, i)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
