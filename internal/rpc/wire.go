package rpc

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// Message layout. Integers travel as JSON numbers and must be exact in a
// float64, so IDs and versions are limited to ±2^53.
//
//	model:      {"name": string, "version": number}
//	query:      {"label", "id", "input": [number], "latency_budget", "policy", "candidates": [model]}
//	output:     {"value": number, "models": [model]}
//	Select      req query                                         resp {"tasks": [{"model", "query_id", "latency_budget", "primary"}]}
//	Feedback    req {"query", "true_value", "predictions": [output]} resp {"decision", "reason", "version_id", "observations", "weight_sum"}
//	Combine     req {"query", "predictions": [output]}             resp {"output": output}

// errMalformed marks a request or response that does not follow the layout.
var errMalformed = errors.New("malformed message")

const maxExactInt = 1 << 53

// #region encode
func modelValue(id model.ModelID) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"name":    structpb.NewStringValue(id.Name),
		"version": structpb.NewNumberValue(float64(id.Version)),
	}})
}

func modelsValue(ids []model.ModelID) *structpb.Value {
	vals := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		vals[i] = modelValue(id)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func numbersValue(xs []float64) *structpb.Value {
	vals := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		vals[i] = structpb.NewNumberValue(x)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func queryStruct(q model.Query) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"label":          structpb.NewStringValue(q.Label),
		"id":             structpb.NewNumberValue(float64(q.ID)),
		"input":          numbersValue(q.Input.Values()),
		"latency_budget": structpb.NewNumberValue(float64(q.LatencyBudget)),
		"policy":         structpb.NewStringValue(q.PolicyName),
		"candidates":     modelsValue(q.Candidates),
	}}
}

func outputValue(out model.Output) *structpb.Value {
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"value":  structpb.NewNumberValue(out.Value),
		"models": modelsValue(out.Models),
	}})
}

func outputsValue(outs []model.Output) *structpb.Value {
	vals := make([]*structpb.Value, len(outs))
	for i, o := range outs {
		vals[i] = outputValue(o)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func tasksStruct(tasks []model.PredictTask) *structpb.Struct {
	vals := make([]*structpb.Value, len(tasks))
	for i, t := range tasks {
		vals[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"model":          modelValue(t.Model),
			"query_id":       structpb.NewNumberValue(float64(t.QueryID)),
			"latency_budget": structpb.NewNumberValue(float64(t.LatencyBudget)),
			"primary":        structpb.NewBoolValue(t.Primary),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"tasks": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

// #endregion encode

// #region decode
// fields is a typed reader over a Struct. The first error sticks.
type fields struct {
	path string
	m    map[string]*structpb.Value
	err  error
}

func newFields(path string, s *structpb.Struct) *fields {
	if s == nil {
		return &fields{path: path, err: fmt.Errorf("%w: %s missing", errMalformed, path)}
	}
	return &fields{path: path, m: s.GetFields()}
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %s.%s must be %s", errMalformed, f.path, key, want)
	}
}

func (f *fields) get(key string) (*structpb.Value, bool) {
	if f.err != nil {
		return nil, false
	}
	v, ok := f.m[key]
	return v, ok && v != nil
}

func (f *fields) str(key string) string {
	v, ok := f.get(key)
	if !ok {
		return ""
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		f.fail(key, "a string")
		return ""
	}
	return s.StringValue
}

func (f *fields) num(key string) float64 {
	v, ok := f.get(key)
	if !ok {
		return 0
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		f.fail(key, "a number")
		return 0
	}
	return n.NumberValue
}

func (f *fields) integer(key string) int64 {
	x := f.num(key)
	if x != math.Trunc(x) || math.Abs(x) > maxExactInt {
		f.fail(key, "an integer")
		return 0
	}
	return int64(x)
}

func (f *fields) boolean(key string) bool {
	v, ok := f.get(key)
	if !ok {
		return false
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		f.fail(key, "a bool")
		return false
	}
	return b.BoolValue
}

func (f *fields) object(key string) *fields {
	path := f.path + "." + key
	v, ok := f.get(key)
	if !ok {
		if f.err != nil {
			return &fields{path: path, err: f.err}
		}
		return newFields(path, nil)
	}
	return newFields(path, v.GetStructValue())
}

func (f *fields) list(key string) []*structpb.Value {
	v, ok := f.get(key)
	if !ok {
		return nil
	}
	l, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		f.fail(key, "a list")
		return nil
	}
	return l.ListValue.GetValues()
}

func (f *fields) numbers(key string) []float64 {
	vals := f.list(key)
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum {
			f.fail(key, "a list of numbers")
			return nil
		}
		out = append(out, n.NumberValue)
	}
	return out
}

func (f *fields) models(key string) []model.ModelID {
	vals := f.list(key)
	out := make([]model.ModelID, 0, len(vals))
	for i, v := range vals {
		m := newFields(fmt.Sprintf("%s.%s[%d]", f.path, key, i), v.GetStructValue())
		id := model.NewModelID(m.str("name"), m.integer("version"))
		if m.err != nil {
			f.setErr(m.err)
			return nil
		}
		out = append(out, id)
	}
	return out
}

func (f *fields) outputs(key string) []model.Output {
	vals := f.list(key)
	out := make([]model.Output, 0, len(vals))
	for i, v := range vals {
		o := newFields(fmt.Sprintf("%s.%s[%d]", f.path, key, i), v.GetStructValue())
		value := o.num("value")
		models := o.models("models")
		if o.err != nil {
			f.setErr(o.err)
			return nil
		}
		out = append(out, model.NewOutput(value, models...))
	}
	return out
}

func (f *fields) setErr(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *fields) query() model.Query {
	return model.Query{
		Label:         f.str("label"),
		ID:            f.integer("id"),
		Input:         model.NewInput(f.numbers("input")),
		LatencyBudget: f.integer("latency_budget"),
		PolicyName:    f.str("policy"),
		Candidates:    f.models("candidates"),
	}
}

// queryAt reads the query nested under key.
func (f *fields) queryAt(key string) model.Query {
	o := f.object(key)
	q := o.query()
	f.setErr(o.err)
	return q
}

// outputAt reads the single output nested under key.
func (f *fields) outputAt(key string) model.Output {
	o := f.object(key)
	value := o.num("value")
	models := o.models("models")
	f.setErr(o.err)
	return model.NewOutput(value, models...)
}

func decodeQuery(s *structpb.Struct) (model.Query, error) {
	f := newFields("query", s)
	q := f.query()
	return q, f.err
}

func decodeTasks(s *structpb.Struct, input model.Input) ([]model.PredictTask, error) {
	f := newFields("response", s)
	vals := f.list("tasks")
	tasks := make([]model.PredictTask, 0, len(vals))
	for i, v := range vals {
		t := newFields(fmt.Sprintf("response.tasks[%d]", i), v.GetStructValue())
		m := t.object("model")
		task := model.PredictTask{
			Model:         model.NewModelID(m.str("name"), m.integer("version")),
			QueryID:       t.integer("query_id"),
			Input:         input,
			LatencyBudget: t.integer("latency_budget"),
			Primary:       t.boolean("primary"),
		}
		if m.err != nil {
			return nil, m.err
		}
		if t.err != nil {
			return nil, t.err
		}
		tasks = append(tasks, task)
	}
	return tasks, f.err
}

// #endregion decode
