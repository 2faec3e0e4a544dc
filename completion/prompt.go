package completion

import (
	"strconv"
	"strings"

	"github.com/sweetpotato0/agentstep/prompt"
	"github.com/sweetpotato0/agentstep/tool"
)

// BuildSystemPrompt appends extension instructions and a description of every
// declared tool to the preamble.
func BuildSystemPrompt(preamble string, extensions []tool.Extension, tools []tool.Schema) string {
	b := prompt.NewBuilder().Add(preamble)

	for _, ext := range extensions {
		if strings.TrimSpace(ext.Instructions) == "" {
			continue
		}
		b.Add("\n\n").AddFormat("# %s\n%s", ext.Name, strings.TrimSpace(ext.Instructions))
	}

	b.Add("\n\n")
	if len(tools) == 0 {
		return b.Add("No tools available.\n").Build()
	}

	b.Add("Tools available:\n")
	for _, t := range tools {
		b.AddSection(t.Name, "Description: "+t.Description+"\nParameters: "+parameterList(t))
	}
	return b.Build()
}

func parameterList(s tool.Schema) string {
	names := make([]string, 0, len(s.Parameters))
	for _, p := range s.Parameters {
		names = append(names, strconv.Quote(p.Name))
	}
	return "[" + strings.Join(names, ", ") + "]"
}
