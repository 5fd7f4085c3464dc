package domain

// ReservationLine количество, списанное со склада по одному товару.
type ReservationLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Reservations накапливает успешные резервы одной попытки оформления,
// чтобы при сбое вернуть на склад ровно их.
type Reservations struct {
	lines []ReservationLine
}

// Add фиксирует успешный резерв.
func (r *Reservations) Add(productID string, quantity int64) {
	r.lines = append(r.lines, ReservationLine{ProductID: productID, Quantity: quantity})
}

// Lines возвращает копию накопленных резервов в порядке выполнения.
func (r *Reservations) Lines() []ReservationLine {
	return append([]ReservationLine(nil), r.lines...)
}

// Len возвращает количество резервов.
func (r *Reservations) Len() int {
	return len(r.lines)
}

// LinesFromItems строит список возврата для всех позиций заказа.
func LinesFromItems(items []OrderItem) []ReservationLine {
	lines := make([]ReservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, ReservationLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return lines
}
