package core

// CopyDetails deep-copies a details map, including nested maps and slices, so
// the copy shares no mutable state with the original. A nil map stays nil.
func CopyDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = copyValue(v)
	}
	return out
}

// Clone deep-copies the record
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(CopyDetails(r))
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CopyDetails(val)
	case Record:
		return val.Clone()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(val))
		for i, item := range val {
			out[i] = CopyDetails(item)
		}
		return out
	default:
		return v
	}
}
