package archive

import "github.com/vinhnx/vtcode/pkg/providers"

// AppendProviderMessage streams a providers.Message, deriving the tool name
// to fold into distinct_tools from the message's own fields: an assistant
// message contributes the name of each tool call it requested, and a tool
// message contributes its OriginTool.
func (w *Writer) AppendProviderMessage(msg providers.Message) error {
	if err := w.AppendMessage(msg, msg.OriginTool); err != nil {
		return err
	}
	for _, call := range msg.ToolCalls {
		if call.Name == "" {
			continue
		}
		w.mu.Lock()
		w.distinctTools[call.Name] = struct{}{}
		w.mu.Unlock()
	}
	return nil
}
