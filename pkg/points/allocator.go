package points

// Allocation is the amount drawn from one block by a debit
type Allocation struct {
	Block  *CreditBlock
	Amount int64
}

// Allocate draws amount from blocks in the order given, which must be ascending expiry.
// Each block gives min(remaining, still needed); drawn blocks are decremented in place.
// Blocks that give nothing produce no allocation. Shortfall is the part of amount the
// blocks could not cover. Allocate never persists anything.
func Allocate(amount int64, blocks []*CreditBlock) (allocs []Allocation, shortfall int64) {
	needed := amount
	for _, block := range blocks {
		if needed <= 0 {
			break
		}
		draw := min(block.RemainingAmount, needed)
		if draw <= 0 {
			continue
		}
		block.RemainingAmount -= draw
		allocs = append(allocs, Allocation{Block: block, Amount: draw})
		needed -= draw
	}
	return allocs, max(needed, 0)
}

// liveTotal sums the remaining amount of blocks
func liveTotal(blocks []*CreditBlock) int64 {
	var total int64
	for _, b := range blocks {
		total += b.RemainingAmount
	}
	return total
}
