package guidance

import (
	"fmt"
	"maps"
	"slices"

	"github.com/mitchellh/mapstructure"
	"github.com/pdevine/tensor"

	"github.com/ollama/guidance/ops"
)

// MaxTokenLength is the token count of a text encoder context window.
const MaxTokenLength = 77

// CrossAttentionType names a kind of attention layer cross-attention control
// can swap.
type CrossAttentionType int

const (
	SelfAttention CrossAttentionType = iota
	TokensAttention
)

func (t CrossAttentionType) String() string {
	switch t {
	case SelfAttention:
		return "self"
	case TokensAttention:
		return "tokens"
	default:
		return fmt.Sprintf("CrossAttentionType(%d)", int(t))
	}
}

// EditOpcode is one difflib-style opcode relating the original prompt's tokens
// [A0, A1) to the edited prompt's tokens [B0, B1).
type EditOpcode struct {
	Tag            string
	A0, A1, B0, B1 int
}

// EditOptions are the step fractions during which each attention type is
// controlled. Ranges are half open.
type EditOptions struct {
	SStart float64 `mapstructure:"s_start"`
	SEnd   float64 `mapstructure:"s_end"`
	TStart float64 `mapstructure:"t_start"`
	TEnd   float64 `mapstructure:"t_end"`
}

func DefaultEditOptions() EditOptions {
	return EditOptions{SStart: 0, SEnd: 0.2062994740159002, TStart: 0.1, TEnd: 1}
}

// DecodeEditOptions decodes options given as a loosely typed map, such as a
// parsed prompt's edit arguments. Missing keys keep their defaults.
func DecodeEditOptions(m map[string]any) (EditOptions, error) {
	opts := DefaultEditOptions()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return opts, err
	}

	if err := decoder.Decode(m); err != nil {
		return opts, fmt.Errorf("%w: %w", ErrInvalidCrossAttentionArgs, err)
	}
	return opts, nil
}

// CrossAttentionArgs describe a prompt-to-prompt edit: the edited prompt's
// conditioning and how its tokens map onto the original prompt.
type CrossAttentionArgs struct {
	EditedConditioning *tensor.Dense
	EditOpcodes        []EditOpcode
	EditOptions        EditOptions

	// ignoredOptions counts option sets given after the first.
	ignoredOptions int
}

// NewCrossAttentionArgs validates an edit. options holds one entry per opcode;
// the first non-nil entry applies to the whole edit and any others are
// ignored with a warning when the edit is enabled.
func NewCrossAttentionArgs(edited *tensor.Dense, opcodes []EditOpcode, options []*EditOptions) (*CrossAttentionArgs, error) {
	if edited == nil {
		return nil, fmt.Errorf("%w: missing edited conditioning", ErrInvalidCrossAttentionArgs)
	}

	if len(opcodes) != len(options) {
		return nil, fmt.Errorf("%w: %d opcodes but %d options", ErrInvalidCrossAttentionArgs, len(opcodes), len(options))
	}

	for _, op := range opcodes {
		if op.A0 < 0 || op.B0 < 0 || op.A1 < op.A0 || op.B1 < op.B0 {
			return nil, fmt.Errorf("%w: bad opcode %+v", ErrInvalidCrossAttentionArgs, op)
		}
		if op.Tag == "equal" && op.A1-op.A0 != op.B1-op.B0 {
			return nil, fmt.Errorf("%w: equal opcode %+v spans differ", ErrInvalidCrossAttentionArgs, op)
		}
	}

	var set []EditOptions
	for _, o := range options {
		if o != nil {
			set = append(set, *o)
		}
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("%w: no edit options", ErrInvalidCrossAttentionArgs)
	}

	return &CrossAttentionArgs{
		EditedConditioning: edited,
		EditOpcodes:        opcodes,
		EditOptions:        set[0],
		ignoredOptions:     len(set) - 1,
	}, nil
}

// CrossAttentionControl is the state of an enabled edit: which original token
// each edited token attends like, and whether it does so at all.
type CrossAttentionControl struct {
	Args     *CrossAttentionArgs
	IndexMap []int
	Mask     *tensor.Dense
}

func newCrossAttentionControl(args *CrossAttentionArgs) *CrossAttentionControl {
	index := make([]int, MaxTokenLength)
	mask := make([]float32, MaxTokenLength)
	for i := range index {
		index[i] = i
	}

	for _, op := range args.EditOpcodes {
		if op.Tag != "equal" || op.B0 >= MaxTokenLength {
			continue
		}

		for k := range min(op.B1, MaxTokenLength) - op.B0 {
			if a := op.A0 + k; a < MaxTokenLength {
				index[op.B0+k] = a
				mask[op.B0+k] = 1
			}
		}
	}

	return &CrossAttentionControl{Args: args, IndexMap: index, Mask: ops.New(mask, MaxTokenLength)}
}

// ActiveTypes returns the attention types controlled at percentThrough.
func (c *CrossAttentionControl) ActiveTypes(percentThrough float64) []CrossAttentionType {
	var types []CrossAttentionType
	o := c.Args.EditOptions
	if o.SStart <= percentThrough && percentThrough < o.SEnd {
		types = append(types, SelfAttention)
	}
	if o.TStart <= percentThrough && percentThrough < o.TEnd {
		types = append(types, TokensAttention)
	}
	return types
}

// AttentionProcessor is an attention implementation installed on a backbone
// layer.
type AttentionProcessor interface {
	Kind() string
}

// SlicedAttentionProcessor computes attention in slices to save memory.
type SlicedAttentionProcessor interface {
	AttentionProcessor
	SliceSize() int
}

// AttentionHost is a backbone whose attention processors can be replaced.
type AttentionHost interface {
	AttentionProcessors() map[string]AttentionProcessor
	SetAttentionProcessors(map[string]AttentionProcessor) error
}

const defaultSliceSize = 4

// SwapCrossAttentionProcessor is installed on every attention layer while
// cross-attention control is enabled. It consults the SwapContext passed with
// each forward call.
type SwapCrossAttentionProcessor struct {
	SliceSize int
}

func (*SwapCrossAttentionProcessor) Kind() string { return "swap_cross_attention" }

func swapProcessors(old map[string]AttentionProcessor) map[string]AttentionProcessor {
	size := defaultSliceSize
	for _, name := range slices.Sorted(maps.Keys(old)) {
		if p, ok := old[name].(SlicedAttentionProcessor); ok && p.SliceSize() > 0 {
			size = p.SliceSize()
			break
		}
	}

	swapped := make(map[string]AttentionProcessor, len(old))
	for name := range old {
		swapped[name] = &SwapCrossAttentionProcessor{SliceSize: size}
	}
	return swapped
}

// CrossAttentionGuard keeps cross-attention control enabled until Close.
type CrossAttentionGuard struct {
	d      *Diffuser
	host   AttentionHost
	saved  map[string]AttentionProcessor
	closed bool
}

// EnableCrossAttentionControl installs swap processors on host and turns on
// cross-attention control for subsequent steps. The returned guard must be
// closed on every exit path to restore the host's processors.
func (d *Diffuser) EnableCrossAttentionControl(host AttentionHost, args *CrossAttentionArgs) (*CrossAttentionGuard, error) {
	if d.crossAttention != nil {
		return nil, fmt.Errorf("%w: cross-attention control already enabled", ErrUnsupportedConfiguration)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: missing attention host", ErrInvalidCrossAttentionArgs)
	}
	if args == nil || args.EditedConditioning == nil {
		return nil, fmt.Errorf("%w: missing edited conditioning", ErrInvalidCrossAttentionArgs)
	}
	if args.ignoredOptions > 0 {
		d.logger.Warn("multiple edit options given, only the first is used", "count", args.ignoredOptions+1)
	}

	saved := maps.Clone(host.AttentionProcessors())
	if err := host.SetAttentionProcessors(swapProcessors(saved)); err != nil {
		if rerr := host.SetAttentionProcessors(saved); rerr != nil {
			d.logger.Error("failed to restore attention processors", "error", rerr)
		}
		return nil, err
	}

	d.crossAttention = newCrossAttentionControl(args)
	d.logger.Debug("cross-attention control enabled", "layers", len(saved), "opcodes", len(args.EditOpcodes))
	return &CrossAttentionGuard{d: d, host: host, saved: saved}, nil
}

// Close disables cross-attention control and restores the processors that
// were installed before it was enabled. It is safe to call more than once.
func (g *CrossAttentionGuard) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	g.d.crossAttention = nil
	return g.host.SetAttentionProcessors(g.saved)
}

// WithCrossAttentionControl runs fn with cross-attention control enabled.
func (d *Diffuser) WithCrossAttentionControl(host AttentionHost, args *CrossAttentionArgs, fn func() error) (err error) {
	guard, err := d.EnableCrossAttentionControl(host, args)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := guard.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn()
}

// SwapContext is passed to the swap processors with each forward call.
type SwapContext struct {
	ModifiedTextEmbeddings *tensor.Dense
	IndexMap               []int
	Mask                   *tensor.Dense
	TypesToDo              []CrossAttentionType
}

// WantsControl reports whether layers of type t should swap attention.
func (s *SwapContext) WantsControl(t CrossAttentionType) bool {
	return s != nil && slices.Contains(s.TypesToDo, t)
}

// BlendAttention mixes attention probabilities computed against the original
// prompt into those computed against the edited prompt. Tokens the edit kept
// take the original attention of the token they map to; the rest keep their
// modified attention. The last dimension of both inputs is the token axis.
func (s *SwapContext) BlendAttention(original, modified *tensor.Dense) (*tensor.Dense, error) {
	shape := ops.Shape(modified)
	if !slices.Equal(shape, ops.Shape(original)) {
		return nil, fmt.Errorf("%w: attention %v and %v", ErrShapeMismatch, ops.Shape(original), shape)
	}

	n := len(s.IndexMap)
	if len(shape) == 0 || shape[len(shape)-1] != n {
		return nil, fmt.Errorf("%w: attention %v does not cover %d tokens", ErrShapeMismatch, shape, n)
	}

	mask := ops.Data(s.Mask)
	src, mod := ops.Data(original), ops.Data(modified)
	out := make([]float32, len(mod))
	for row := 0; row < len(mod); row += n {
		for j, idx := range s.IndexMap {
			out[row+j] = src[row+idx]*mask[j] + mod[row+j]*(1-mask[j])
		}
	}
	return ops.New(out, shape...), nil
}
