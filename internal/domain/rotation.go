package domain

import "github.com/shopspring/decimal"

type Allocation struct {
	CBU         string
	DisplayName string
}

type RotationAccountStatus struct {
	CBU         string
	Accumulated decimal.Decimal
	IsAvailable bool
}

type RotationStatus struct {
	PartitionKey     string
	Accounts         []RotationAccountStatus
	NextAvailableCBU string
}
