package workflow

import "sort"

// Dependencies 返回每个步骤直接依赖的步骤下标（升序）。
// 调用前应先通过 Validate，未声明的引用会被忽略。
func (w *Workflow) Dependencies() [][]int {
	index := make(map[string]int, len(w.Steps))
	for i, step := range w.Steps {
		index[step.ID] = i
	}
	deps := make([][]int, len(w.Steps))
	for i, step := range w.Steps {
		seen := map[int]struct{}{}
		for _, ref := range step.InputMapping {
			if ref.Kind != RefStep {
				continue
			}
			j, ok := index[ref.StepID]
			if !ok || j >= i {
				continue
			}
			if _, dup := seen[j]; dup {
				continue
			}
			seen[j] = struct{}{}
			deps[i] = append(deps[i], j)
		}
		sort.Ints(deps[i])
	}
	return deps
}

// Batches 按执行模式划分批次。顺序模式下每批一个步骤；并行模式下按依赖层级分批，
// 同一批次内的步骤互不依赖，批内保持声明顺序。
func (w *Workflow) Batches() [][]int {
	if w.ExecutionMode != ModeParallel {
		batches := make([][]int, len(w.Steps))
		for i := range w.Steps {
			batches[i] = []int{i}
		}
		return batches
	}

	deps := w.Dependencies()
	level := make([]int, len(w.Steps))
	maxLevel := 0
	for i := range w.Steps {
		for _, d := range deps[i] {
			if level[d]+1 > level[i] {
				level[i] = level[d] + 1
			}
		}
		if level[i] > maxLevel {
			maxLevel = level[i]
		}
	}
	batches := make([][]int, maxLevel+1)
	for i := range w.Steps {
		batches[level[i]] = append(batches[level[i]], i)
	}
	return batches
}

// Dependents 返回直接或间接依赖 root 的全部步骤下标（升序）。
func Dependents(deps [][]int, root int) []int {
	reverse := make([][]int, len(deps))
	for i, list := range deps {
		for _, d := range list {
			reverse[d] = append(reverse[d], i)
		}
	}
	visited := make([]bool, len(deps))
	queue := []int{root}
	var out []int
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range reverse[cur] {
			if visited[next] {
				continue
			}
			visited[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Ints(out)
	return out
}

// SortedKeys 返回 map 的有序键，保证遍历结果稳定。
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
