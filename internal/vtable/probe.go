package vtable

import "fmt"

// ProbeTable returns the vtable address stored in the first word of a
// constructed instance.
func ProbeTable(mem Memory, instance uint64) (uint64, error) {
	table, err := mem.ReadPointer(instance)
	if err != nil {
		return 0, fmt.Errorf("probe %#x: %w", instance, err)
	}
	if table == 0 {
		return 0, fmt.Errorf("probe %#x: %w", instance, ErrNullAddress)
	}
	return table, nil
}

// ReadSlot returns the function pointer held by slot index of table.
func ReadSlot(mem Memory, table uint64, index int) (uint64, error) {
	return mem.ReadPointer(SlotAddr(mem, table, index))
}
