package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"MAHA-Orchestrator/internal/llm"
)

// Provider 定义规划提示检索的通用接口。
type Provider interface {
	Query(description string, tags []string) []Snippet
}

// Snippet 描述可供大模型规划时引用的一段提示。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态提示检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态提示库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载提示条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("提示库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析提示库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取提示库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析提示库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 根据需求描述与已注册 Agent 的标签进行匹配。
// 关键字命中描述，或标签与 Agent 标签重合时条目入选。
func (p *StaticProvider) Query(description string, tags []string) []Snippet {
	if p == nil {
		return nil
	}

	description = strings.ToLower(strings.TrimSpace(description))
	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag = normalize(tag); tag != "" {
			tagSet[tag] = struct{}{}
		}
	}

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, description, tagSet) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, description string, tags map[string]struct{}) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		if normalized := normalize(keyword); normalized != "" && strings.Contains(description, normalized) {
			return true
		}
	}
	for _, tag := range snippet.Tags {
		normalized := normalize(tag)
		if normalized == "" {
			continue
		}
		if _, ok := tags[normalized]; ok {
			return true
		}
		if strings.Contains(description, normalized) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Cards 把提示条目转换为大模型请求使用的知识卡片。
func Cards(snippets []Snippet) []llm.KnowledgeCard {
	if len(snippets) == 0 {
		return nil
	}
	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, s := range snippets {
		cards = append(cards, llm.KnowledgeCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
