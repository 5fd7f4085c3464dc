package domain

import "testing"

func TestReservations_AddAndLines(t *testing.T) {
	var r Reservations
	if r.Len() != 0 {
		t.Fatalf("expected empty list, got %d", r.Len())
	}

	r.Add("A", 2)
	r.Add("B", 1)

	lines := r.Lines()
	if len(lines) != 2 || r.Len() != 2 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if lines[0] != (ReservationLine{ProductID: "A", Quantity: 2}) || lines[1] != (ReservationLine{ProductID: "B", Quantity: 1}) {
		t.Fatalf("unexpected order of lines: %+v", lines)
	}

	// Lines отдаёт копию.
	lines[0].Quantity = 100
	if r.Lines()[0].Quantity != 2 {
		t.Fatal("Lines must return a copy")
	}
}

func TestLinesFromItems(t *testing.T) {
	lines := LinesFromItems([]OrderItem{
		{ProductID: "A", Quantity: 3},
		{ProductID: "B", Quantity: 1},
	})
	if len(lines) != 2 || lines[0].ProductID != "A" || lines[0].Quantity != 3 || lines[1].ProductID != "B" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}
