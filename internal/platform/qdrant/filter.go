package qdrant

import (
	"fmt"
	"sort"
	"strings"
)

const (
	filterOpAnd = "$and"
	filterOpOr  = "$or"
	filterOpNot = "$not"
	filterOpIn  = "$in"
	filterOpEq  = "$eq"
	filterOpNe  = "$ne"
)

type translatedFilter struct {
	Must    []any
	Should  []any
	MustNot []any
}

func (f translatedFilter) asMap() map[string]any {
	out := map[string]any{}
	if len(f.Must) > 0 {
		out["must"] = f.Must
	}
	if len(f.Should) > 0 {
		out["should"] = f.Should
	}
	if len(f.MustNot) > 0 {
		out["must_not"] = f.MustNot
	}
	return out
}

func mergeTranslatedFilters(dst *translatedFilter, src translatedFilter) {
	dst.Must = append(dst.Must, src.Must...)
	dst.Should = append(dst.Should, src.Should...)
	dst.MustNot = append(dst.MustNot, src.MustNot...)
}

// translateFilterMap converts the portable filter dialect ($and, $or,
// $not, $eq, $ne, $in, bare scalars) into qdrant must/should/must_not
// clauses. Keys are walked in sorted order so output is deterministic.
func translateFilterMap(filter map[string]any) (translatedFilter, error) {
	out := translatedFilter{}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filter[key]
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}

		if strings.HasPrefix(k, "$") {
			switch strings.ToLower(k) {
			case filterOpAnd, filterOpOr:
				items, ok := value.([]any)
				if !ok {
					return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
						fmt.Sprintf("operator %s expects array of objects", k), nil)
				}
				for _, item := range items {
					obj, ok := item.(map[string]any)
					if !ok {
						return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
							fmt.Sprintf("operator %s expects array of objects", k), nil)
					}
					sub, err := translateFilterMap(obj)
					if err != nil {
						return translatedFilter{}, err
					}
					if strings.EqualFold(k, filterOpAnd) {
						out.Must = append(out.Must, sub.asMap())
					} else {
						out.Should = append(out.Should, sub.asMap())
					}
				}
			case filterOpNot:
				obj, ok := value.(map[string]any)
				if !ok {
					return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
						fmt.Sprintf("operator %s expects an object", filterOpNot), nil)
				}
				sub, err := translateFilterMap(obj)
				if err != nil {
					return translatedFilter{}, err
				}
				out.MustNot = append(out.MustNot, sub.asMap())
			default:
				return translatedFilter{}, opErr("filter_translate", OperationErrorUnsupportedFilter,
					fmt.Sprintf("unsupported top-level filter operator %q", k), nil)
			}
			continue
		}

		fieldPart, err := translateFieldFilter(k, value)
		if err != nil {
			return translatedFilter{}, err
		}
		mergeTranslatedFilters(&out, fieldPart)
	}
	return out, nil
}

func translateFieldFilter(field string, value any) (translatedFilter, error) {
	out := translatedFilter{}

	opMap, isOpMap := value.(map[string]any)
	if !isOpMap {
		scalar, ok := toScalarValue(value)
		if !ok {
			return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
				fmt.Sprintf("field %q expects scalar value or operator object", field), nil)
		}
		out.Must = append(out.Must, matchCondition(field, scalar))
		return out, nil
	}

	if len(opMap) == 0 {
		return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
			fmt.Sprintf("field %q has empty operator map", field), nil)
	}
	ops := make([]string, 0, len(opMap))
	for op := range opMap {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	for _, op := range ops {
		opVal := opMap[op]
		switch strings.ToLower(strings.TrimSpace(op)) {
		case filterOpEq, filterOpNe:
			scalar, ok := toScalarValue(opVal)
			if !ok {
				return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
					fmt.Sprintf("operator %s for field %q expects scalar value", op, field), nil)
			}
			if strings.EqualFold(op, filterOpEq) {
				out.Must = append(out.Must, matchCondition(field, scalar))
			} else {
				out.MustNot = append(out.MustNot, matchCondition(field, scalar))
			}
		case filterOpIn:
			values, err := toScalarSlice(opVal)
			if err != nil || len(values) == 0 {
				return translatedFilter{}, opErr("filter_translate", OperationErrorValidation,
					fmt.Sprintf("operator %s for field %q expects non-empty scalar array", filterOpIn, field), err)
			}
			out.Must = append(out.Must, map[string]any{
				"key":   field,
				"match": map[string]any{"any": values},
			})
		default:
			return translatedFilter{}, opErr("filter_translate", OperationErrorUnsupportedFilter,
				fmt.Sprintf("unsupported filter operator %q for field %q", op, field), nil)
		}
	}
	return out, nil
}

func matchCondition(key string, value any) map[string]any {
	return map[string]any{
		"key":   key,
		"match": map[string]any{"value": value},
	}
}

func toScalarSlice(value any) ([]any, error) {
	switch typed := value.(type) {
	case []any:
		out := make([]any, 0, len(typed))
		for _, v := range typed {
			scalar, ok := toScalarValue(v)
			if !ok {
				return nil, fmt.Errorf("expected scalar, got %T", v)
			}
			out = append(out, scalar)
		}
		return out, nil
	case []string:
		out := make([]any, 0, len(typed))
		for _, v := range typed {
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected scalar array, got %T", value)
	}
}

func toScalarValue(value any) (any, bool) {
	switch typed := value.(type) {
	case string, bool, int, int64, uint, uint64, float64:
		return typed, true
	case int32:
		return int(typed), true
	case float32:
		return float64(typed), true
	default:
		return nil, false
	}
}
