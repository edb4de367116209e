package ledger

import (
	"chrome2nas/pkg/model"
	"chrome2nas/pkg/traffic"
)

// AttachOrphans 把孤儿记录并入标签页：
// 孤儿的页面来源与标签页来源一致时归属；没有页面来源时，孤儿地址的来源出现在该标签页已知来源中也归属。
// 两个标签页共用同一 CDN 来源时可能误归属。
func AttachOrphans(tabURL string, own, orphans []model.CandidateURL) []model.CandidateURL {
	merged := make([]model.CandidateURL, 0, len(own)+len(orphans))
	merged = append(merged, own...)
	if len(orphans) == 0 {
		return merged
	}

	tabOrigin := traffic.Origin(tabURL)
	known := make(map[string]bool)
	if tabOrigin != "" {
		known[tabOrigin] = true
	}
	seen := make(map[string]bool, len(own))
	for _, c := range own {
		seen[c.URL] = true
		if o := traffic.Origin(c.URL); o != "" {
			known[o] = true
		}
	}

	for _, o := range orphans {
		if seen[o.URL] {
			continue
		}
		pageOrigin := traffic.Origin(o.PageURL)
		attach := false
		if pageOrigin != "" {
			attach = tabOrigin != "" && pageOrigin == tabOrigin
		} else {
			attach = known[traffic.Origin(o.URL)]
		}
		if attach {
			seen[o.URL] = true
			merged = append(merged, o)
		}
	}
	return merged
}
