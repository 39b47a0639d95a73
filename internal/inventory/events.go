package inventory

import "time"

// MovementRecordedEvent is emitted after a movement transaction commits.
type MovementRecordedEvent struct {
	MovementID  int64
	ProductID   int64
	ProductCode string
	Type        MovementType
	Quantity    int64
	StockBefore int64
	StockAfter  int64
	RefModule   string
	RefID       int64
	LowStock    bool
	RecordedAt  time.Time
}

// NewMovementRecordedEvent builds the event from a committed result.
func NewMovementRecordedEvent(res MovementResult) MovementRecordedEvent {
	return MovementRecordedEvent{
		MovementID:  res.Movement.ID,
		ProductID:   res.Product.ID,
		ProductCode: res.Product.Code,
		Type:        res.Movement.Type,
		Quantity:    res.Movement.Quantity,
		StockBefore: res.Movement.StockBefore,
		StockAfter:  res.Movement.StockAfter,
		RefModule:   res.Movement.RefModule,
		RefID:       res.Movement.RefID,
		LowStock:    res.Product.LowStock(),
		RecordedAt:  res.Movement.CreatedAt,
	}
}
