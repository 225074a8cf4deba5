package tcache

import (
	"fmt"
	"sort"

	"github.com/xlab/treeprint"
)

// ToTree renders live units grouped by physical page, with their exit links
// and the patch sites pointing at them.
func (c *Cache) ToTree() treeprint.Tree {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("translation cache gen=%d units=%d", c.flushGen.Load(), c.live))

	pfns := make([]uint64, 0, len(c.byPage))
	for pfn := range c.byPage {
		pfns = append(pfns, pfn)
	}
	sort.Slice(pfns, func(i, j int) bool { return pfns[i] < pfns[j] })

	for _, pfn := range pfns {
		page := tree.AddBranch(fmt.Sprintf("page %#x", pfn))
		units := append([]*Unit(nil), c.byPage[pfn]...)
		sort.Slice(units, func(i, j int) bool { return units[i].PC < units[j].PC })
		for _, u := range units {
			ub := page.AddBranch(fmt.Sprintf("pc=%#x flags=%#x entry=%#x size=%d insns=%d hits=%d",
				u.PC, u.Flags, u.Entry(), u.Region.Len, u.Insns, u.Hits()))
			for i, s := range u.Exits {
				desc := fmt.Sprintf("exit%d", i)
				switch {
				case s.HasTarget:
					desc += fmt.Sprintf(" target=%#x", s.Target)
				default:
					desc += " dynamic"
				}
				if s.NoChain {
					desc += " nochain"
				}
				if s.linked != nil {
					desc += fmt.Sprintf(" -> %#x", s.linked.PC)
				}
				ub.AddNode(desc)
			}
			for _, p := range u.incoming {
				ub.AddNode(fmt.Sprintf("<- %#x exit%d", p.From.PC, p.Slot))
			}
		}
	}
	return tree
}
