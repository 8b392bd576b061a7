package script

// Walk visits every instruction depth-first in document order. Returning
// false from fn skips the children of that node.
func Walk(instrs List, fn func(Instruction) bool) {
	for _, ins := range instrs {
		if ins == nil || !fn(ins) {
			continue
		}
		switch n := ins.(type) {
		case *While:
			Walk(n.Body, fn)
		case *If:
			Walk(n.Then, fn)
			Walk(n.Else, fn)
		}
	}
}

// RelayActions collects every relay_action in the tree, including those
// nested in loop bodies and both branches of conditionals.
func RelayActions(instrs List) []*RelayAction {
	var out []*RelayAction
	Walk(instrs, func(ins Instruction) bool {
		if ra, ok := ins.(*RelayAction); ok {
			out = append(out, ra)
		}
		return true
	})
	return out
}

// Sensors returns the distinct sensors referenced by conditions in the tree.
func Sensors(instrs List) []Sensor {
	seen := map[Sensor]bool{}
	var out []Sensor
	add := func(c *Condition) {
		if c != nil && !seen[c.Sensor] {
			seen[c.Sensor] = true
			out = append(out, c.Sensor)
		}
	}
	Walk(instrs, func(ins Instruction) bool {
		switch n := ins.(type) {
		case *While:
			add(n.Condition)
		case *If:
			add(n.Condition)
		}
		return true
	})
	return out
}
