package llm

import (
	"fmt"
	"strings"
)

// ExtractMarker introduces a retrieved excerpt in the context.
const ExtractMarker = "--- File:"

// PromptContext is everything the prompt is built from.
type PromptContext struct {
	Request string
	// Framework is the frontend framework in dev: vue, react or another name.
	Framework  string
	BackendURL string
	// WordPressAPI marks a backend that fronts a WordPress/WooCommerce API.
	WordPressAPI bool
	FileTree     []string
	// Context holds either whole files or retrieved excerpts.
	Context string
}

// BuildPrompts constructs the system and user prompts for a change request.
func BuildPrompts(pc PromptContext) (system string, user string) {
	return buildSystemPrompt(pc), buildUserPrompt(pc)
}

func frameworkLine(framework string) string {
	switch strings.ToLower(framework) {
	case "vue":
		return "- Frontend server (Vite + Vue.js) in `dev`. Use the Vue 3 Composition API."
	case "react":
		return "- Frontend server (Vite + React) in `dev`. Use React hooks."
	case "":
		return "- Frontend server in `dev`."
	default:
		return fmt.Sprintf("- Frontend server (%s) in `dev`.", framework)
	}
}

func buildSystemPrompt(pc PromptContext) string {
	backendURL := pc.BackendURL
	if backendURL == "" {
		backendURL = "the backend URL"
	}

	var sb strings.Builder
	sb.WriteString("<role>\n")
	sb.WriteString("You are an expert full-stack developer. Turn the user's request into a precise list of JSON actions that modify a web project.\n")
	sb.WriteString("</role>\n\n")

	sb.WriteString("<project_architecture>\n")
	sb.WriteString(frameworkLine(pc.Framework))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "- Backend server (Node.js) in `backend_dev`. It owns the business logic; the frontend reaches it at %s.\n", backendURL)
	if pc.WordPressAPI {
		sb.WriteString("- The backend uses a WordPress/WooCommerce API. Do not modify `server.js` or `.env` unless explicitly asked.\n")
	}
	sb.WriteString("</project_architecture>\n\n")

	sb.WriteString(`<json_format_instructions>
Reply with a single valid JSON object containing "explanation" (a short summary for the user) and "actions" (a list of operations).

Valid operations:
1. UPDATE: {"action": "UPDATE", "file_path": "dev/src/App.vue", "content": "..."}
2. CREATE: {"action": "CREATE", "file_path": "dev/src/components/New.vue", "content": "..."}
3. DELETE: {"action": "DELETE", "file_path": "dev/src/old.js"}
4. RUN_SHELL_COMMAND: {"action": "RUN_SHELL_COMMAND", "command": "npm install axios", "cwd": "dev/"}

Rules:
- "file_path" must start with "dev/" or "backend_dev/".
- "content" must be the complete file, never a fragment or a diff.
- Escape special characters inside JSON strings (\", \\, \n).
- Reply with the JSON object only.
- Import Tailwind with @import "tailwindcss"; and never with the old @tailwind base; syntax.
</json_format_instructions>
`)
	return sb.String()
}

func buildUserPrompt(pc PromptContext) string {
	section := "file_contents"
	if strings.Contains(pc.Context, ExtractMarker) {
		section = "relevant_file_extracts"
	}

	var sb strings.Builder
	sb.WriteString("<user_request>\n")
	sb.WriteString(pc.Request)
	sb.WriteString("\n</user_request>\n\n")

	sb.WriteString("<project_structure>\n")
	sb.WriteString(strings.Join(pc.FileTree, "\n"))
	sb.WriteString("\n</project_structure>\n\n")

	fmt.Fprintf(&sb, "<%s>\n%s\n</%s>\n", section, pc.Context, section)
	return sb.String()
}
