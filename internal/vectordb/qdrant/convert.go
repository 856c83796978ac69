package qdrant

import "github.com/qdrant/go-client/qdrant"

// convertPayload walks a Qdrant payload map into native Go values,
// grounded on Tangerg-lynx's convertQdrantValue/convertQdrantStruct/
// convertQdrantList oneof-walking helpers. The passage_id bookkeeping
// field is stripped since it is redundant with Hit.PassageID.
func convertPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}

	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if key == passageIDPayloadKey || value == nil {
			continue
		}
		out[key] = convertQdrantValue(value)
	}
	return out
}

func convertQdrantValue(value *qdrant.Value) any {
	if value == nil {
		return nil
	}

	switch kind := value.Kind.(type) {
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_NullValue:
		return nil
	case *qdrant.Value_StructValue:
		return convertQdrantStruct(kind.StructValue)
	case *qdrant.Value_ListValue:
		return convertQdrantList(kind.ListValue)
	default:
		return nil
	}
}

func convertQdrantStruct(s *qdrant.Struct) map[string]any {
	if s == nil || s.Fields == nil {
		return nil
	}
	out := make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		out[k] = convertQdrantValue(v)
	}
	return out
}

func convertQdrantList(l *qdrant.ListValue) []any {
	if l == nil || len(l.Values) == 0 {
		return nil
	}
	out := make([]any, len(l.Values))
	for i, v := range l.Values {
		out[i] = convertQdrantValue(v)
	}
	return out
}
