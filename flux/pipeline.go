package flux

// Pipeline chains tasks left to right: the input feeds the first task, each
// result feeds the next. Every step is an ordinary task invocation with its
// own source ID, so a resumed execution skips the steps already journaled.
func Pipeline(c *Context, input any, tasks ...*TaskDef) (any, error) {
	value := input
	for _, task := range tasks {
		v, err := c.Invoke(task, value)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return value, nil
}
