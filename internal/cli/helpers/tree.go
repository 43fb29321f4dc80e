package helpers

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coral-mesh/wallprof/internal/translate"
)

// RenderTree renders a wall profile call tree in ASCII art. Each node shows
// its inclusive wall time, assuming every hit accounts for one period, and
// its share of the total. Nodes below minPercent are folded away.
func RenderTree(root *translate.Node, period time.Duration, minPercent float64) string {
	if root == nil {
		return "No tree data available.\n"
	}
	total := translate.TotalHitCount(root)
	if total == 0 {
		return "No samples collected.\n"
	}

	var buf strings.Builder
	for i, child := range sortedChildren(root) {
		renderTreeNode(&buf, child, "", i == len(root.Children)-1, period, total, minPercent)
	}
	return buf.String()
}

func renderTreeNode(buf *strings.Builder, node *translate.Node, prefix string, isLast bool,
	period time.Duration, total int, minPercent float64) {
	hits := translate.TotalHitCount(node)
	percentage := float64(hits) / float64(total) * 100
	if percentage < minPercent {
		return
	}

	connector := "├─"
	childPrefix := prefix + "│ "
	if isLast {
		connector = "└─"
		childPrefix = prefix + "  "
	}

	name := node.Name
	if node.ScriptName != "" {
		name = fmt.Sprintf("%s %s:%d", node.Name, node.ScriptName, node.Line)
	}
	fmt.Fprintf(buf, "%s%s %s (%s, %d self, %.1f%%)\n",
		prefix, connector, name, FormatDuration(time.Duration(hits)*period), node.HitCount, percentage)

	children := sortedChildren(node)
	for i, child := range children {
		renderTreeNode(buf, child, childPrefix, i == len(children)-1, period, total, minPercent)
	}
}

// sortedChildren orders children by inclusive hits, heaviest first.
func sortedChildren(n *translate.Node) []*translate.Node {
	out := slices.Clone(n.Children)
	slices.SortStableFunc(out, func(a, b *translate.Node) int {
		return translate.TotalHitCount(b) - translate.TotalHitCount(a)
	})
	return out
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
