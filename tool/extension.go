package tool

// Extension groups tools that share instructions for the model, such as the
// tools exposed by one MCP server.
type Extension struct {
	Name         string
	Instructions string
	Tools        []*Tool
}

// Schemas returns the schemas of the extension's tools.
func (e Extension) Schemas() []Schema {
	schemas := make([]Schema, 0, len(e.Tools))
	for _, t := range e.Tools {
		if t != nil {
			schemas = append(schemas, t.Schema)
		}
	}
	return schemas
}
