package tool

import (
	"sort"
	"strings"
)

// rank 根据查询词与结果标题、摘要的词面重合度打分并降序排序。
// 排序是确定性的：正分相同时按来源、标题排序，零分结果不参与
// 重排，保持后端返回的顺序。
func rank(query string, results []Result) []Result {
	terms := tokenize(query)
	for idx := range results {
		results[idx].Score = score(terms, results[idx])
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Score == 0 {
			return false
		}
		if results[i].Source != results[j].Source {
			return results[i].Source < results[j].Source
		}
		return results[i].Title < results[j].Title
	})
	return results
}

// score 统计查询词命中数，标题命中的权重高于摘要。
func score(terms []string, result Result) float64 {
	if len(terms) == 0 {
		return 0
	}
	title := strings.ToLower(result.Title)
	snippet := strings.ToLower(result.Snippet)
	var total float64
	for _, term := range terms {
		if strings.Contains(title, term) {
			total += 2
		}
		if strings.Contains(snippet, term) {
			total++
		}
	}
	return total
}

func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.Trim(field, ".,;:!?\"'()[]{}")
		if len(field) < 2 {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}
