package tool

import "testing"

func TestRankKeepsBackendOrderForZeroScores(t *testing.T) {
	results := []Result{
		{Source: "zeta", Title: "z-第二版发布记录"},
		{Source: "alpha", Title: "a-历史归档"},
		{Source: "beta", Title: "b-旧版说明"},
	}

	ranked := rank("完全不相关的查询", results)

	if ranked[0].Source != "zeta" || ranked[1].Source != "alpha" || ranked[2].Source != "beta" {
		t.Fatalf("零分结果顺序被改变: %+v", ranked)
	}
	for _, result := range ranked {
		if result.Score != 0 {
			t.Fatalf("expected zero score, got %+v", result)
		}
	}
}

func TestRankBreaksPositiveTiesDeterministically(t *testing.T) {
	results := []Result{
		{Source: "beta", Title: "权限配置乙"},
		{Source: "alpha", Title: "权限配置甲"},
	}

	ranked := rank("权限配置", results)

	if ranked[0].Score == 0 {
		t.Fatalf("expected positive scores, got %+v", ranked)
	}
	if ranked[0].Source != "alpha" {
		t.Fatalf("正分并列应按来源排序: %+v", ranked)
	}
}
