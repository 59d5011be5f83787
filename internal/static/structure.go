package static

import (
	"github.com/Dylan-Ki/VeriModel/internal/model"
	"github.com/Dylan-Ki/VeriModel/internal/pickle"
)

// StructureOf picks the coarse shape of a stream from its opcode counts.
// Containers win over custom objects so a state dict of tensors still
// reads as dictionary-like.
func StructureOf(events []pickle.Event) model.StructureType {
	var dicts, lists, imports int
	for _, ev := range events {
		switch ev.Op {
		case pickle.OpDict, pickle.OpEmptyDict:
			dicts++
		case pickle.OpList, pickle.OpEmptyList, pickle.OpAppends:
			lists++
		}
		if ev.Kind() == pickle.KindImportReference {
			imports++
		}
	}
	switch {
	case dicts > 0:
		return model.StructureDictionary
	case lists > 0:
		return model.StructureList
	case imports > 0:
		return model.StructureCustomObject
	default:
		return model.StructurePrimitive
	}
}

// OpcodeCounts tallies events by opcode name
func OpcodeCounts(events []pickle.Event) map[string]int {
	counts := make(map[string]int)
	for _, ev := range events {
		counts[ev.Op.String()]++
	}
	return counts
}

// ProtocolOf returns the PROTO operand, or 0 for protocol 0/1 streams
func ProtocolOf(events []pickle.Event) int {
	for _, ev := range events {
		if ev.Op == pickle.OpProto {
			if v, ok := ev.Arg.(int64); ok {
				return int(v)
			}
		}
	}
	return 0
}
