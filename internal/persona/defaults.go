package persona

const DefaultID = "john_doe"

// Defaults returns the built-in demo customers.
func Defaults() []Context {
	return []Context{
		{
			ID:          "john_doe",
			Name:        "John Doe",
			Balance:     2450.75,
			CardLast4:   "1234",
			AccountType: "checking",
			RecentTransactions: []Transaction{
				{Date: "2025-01-15", Amount: -45.67, Description: "Coffee Shop"},
				{Date: "2025-01-14", Amount: -120.00, Description: "Grocery Store"},
				{Date: "2025-01-13", Amount: 1500.00, Description: "Salary Deposit"},
			},
		},
		{
			ID:          "sarah_smith",
			Name:        "Sarah Smith",
			Balance:     8750.25,
			CardLast4:   "5678",
			AccountType: "premium",
			RecentTransactions: []Transaction{
				{Date: "2025-01-16", Amount: -89.99, Description: "Online Shopping"},
				{Date: "2025-01-15", Amount: -25.00, Description: "Gas Station"},
				{Date: "2025-01-14", Amount: 2000.00, Description: "Investment Return"},
			},
		},
		{
			ID:          "mike_johnson",
			Name:        "Mike Johnson",
			Balance:     156.80,
			CardLast4:   "9012",
			AccountType: "savings",
			RecentTransactions: []Transaction{
				{Date: "2025-01-16", Amount: -12.50, Description: "Fast Food"},
				{Date: "2025-01-15", Amount: -75.00, Description: "Utility Bill"},
				{Date: "2025-01-10", Amount: 200.00, Description: "Part-time Job"},
			},
		},
	}
}
