// internal/service/template_service.go
package service

import (
	"fmt"
	"strings"

	"github.com/unclebandit/chatrelay-backend/internal/model"
)

// HandoffTemplate is what the agent receives from the relay identity.
const HandoffTemplate = "🔔 Novo lead\nCliente: {customer_name}\nTelefone: {customer_phone}\n\n{summary}"

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		if v == "" {
			v = "N/A"
		}
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

var roleLabels = map[model.SenderRole]string{
	model.RoleCustomer: "Customer",
	model.RoleBot:      "Bot",
	model.RoleAgent:    "Agent",
	model.RoleSystem:   "System",
}

// BuildTranscript renders messages in the order given, one per line.
func BuildTranscript(msgs []*model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		label, ok := roleLabels[m.SenderRole]
		if !ok {
			label = string(m.SenderRole)
		}
		content := strings.TrimSpace(m.Content)
		if m.MediaURL != nil && *m.MediaURL != "" {
			content = strings.TrimSpace(content + " (" + *m.MediaURL + ")")
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("15:04"), label, content)
	}
	return strings.TrimRight(b.String(), "\n")
}
