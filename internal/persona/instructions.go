package persona

import (
	"fmt"
	"strings"
)

const BaseInstructions = `You are a helpful, professional, and friendly financial services AI assistant. You should be empathetic, clear in your communication, and always prioritize customer satisfaction. Speak in a conversational tone while maintaining professionalism.

Keep responses conversational and concise (suitable for voice). Use natural speech patterns with contractions (I'll, you're, we'll). Sound human and empathetic, not robotic. Use clear, simple language avoiding jargon. Always end with asking if there's anything else you can help with. Maximum response length: 2-3 sentences for voice clarity.`

// Instructions appends the customer block for p to base. A nil persona
// yields base unchanged.
func Instructions(base string, p *Context) string {
	if strings.TrimSpace(base) == "" {
		base = BaseInstructions
	}
	if p == nil {
		return base
	}

	txs := make([]string, 0, len(p.RecentTransactions))
	for _, t := range p.RecentTransactions {
		txs = append(txs, formatTransaction(t))
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nCURRENT CUSTOMER INFORMATION:\n")
	fmt.Fprintf(&b, "- Name: %s\n", p.Name)
	fmt.Fprintf(&b, "- Account Balance: $%.2f\n", p.Balance)
	fmt.Fprintf(&b, "- Card ending in: %s\n", p.CardLast4)
	fmt.Fprintf(&b, "- Account Type: %s\n", p.AccountType)
	fmt.Fprintf(&b, "- Recent Transactions: %s\n", strings.Join(txs, ", "))
	b.WriteString("\nWhen the customer asks about their account, balance, transactions, or card, use this specific information. Address them by name when appropriate.")
	return b.String()
}

// formatTransaction renders credits as "+$x" and debits as "$-x".
func formatTransaction(t Transaction) string {
	sign := ""
	if t.Amount >= 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s: %s$%.2f - %s", t.Date, sign, t.Amount, t.Description)
}
