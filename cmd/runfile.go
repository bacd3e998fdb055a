package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pdevine/tensor"
	"gopkg.in/yaml.v3"

	"github.com/ollama/guidance/guidance"
	"github.com/ollama/guidance/ops"
	"github.com/ollama/guidance/synthetic"
)

// RunFile describes a simulated generation. Sizes are in latent pixels; the
// image the masks and control images are drawn at is eight times larger.
type RunFile struct {
	Steps         int                             `yaml:"steps" validate:"required,gt=0,lte=1000"`
	Width         int                             `yaml:"width" validate:"required,gt=0,lte=256"`
	Height        int                             `yaml:"height" validate:"required,gt=0,lte=256"`
	Channels      int                             `yaml:"channels" validate:"required,gt=0,lte=16"`
	Hidden        int                             `yaml:"hidden" validate:"gt=0,lte=1024"`
	Seed          uint64                          `yaml:"seed"`
	Extended      bool                            `yaml:"extended"`
	GuidanceScale Weight                          `yaml:"guidance_scale"`
	Negative      Prompt                          `yaml:"negative"`
	Prompts       []Prompt                        `yaml:"prompts" validate:"required,min=1,dive"`
	IPAdapters    int                             `yaml:"ip_adapters" validate:"gte=0,lte=4"`
	ControlNets   []ControlNet                    `yaml:"controlnets" validate:"dive"`
	Symmetry      guidance.PostprocessingSettings `yaml:"symmetry"`
	Edit          *Edit                           `yaml:"edit"`
}

type Prompt struct {
	Text     string  `yaml:"text"`
	Tokens   int     `yaml:"tokens" validate:"gt=0,lte=77"`
	Region   *Region `yaml:"region"`
	Strength float32 `yaml:"strength" validate:"gte=0"`
}

// Region is a rectangle given as fractions of the image.
type Region struct {
	X float64 `yaml:"x" validate:"gte=0,lt=1"`
	Y float64 `yaml:"y" validate:"gte=0,lt=1"`
	W float64 `yaml:"w" validate:"gt=0,lte=1"`
	H float64 `yaml:"h" validate:"gt=0,lte=1"`
}

type ControlNet struct {
	Mode   string  `yaml:"mode" validate:"required,oneof=balanced more_prompt more_control unbalanced"`
	Begin  float64 `yaml:"begin" validate:"gte=0,lte=1"`
	End    float64 `yaml:"end" validate:"gte=0,lte=1,gtefield=Begin"`
	Weight Weight  `yaml:"weight"`
	Blocks int     `yaml:"blocks" validate:"gt=0,lte=12"`
}

type Edit struct {
	Text    string         `yaml:"text" validate:"required"`
	Opcodes []Opcode       `yaml:"opcodes" validate:"required,min=1,dive"`
	Options map[string]any `yaml:"options"`
}

type Opcode struct {
	Tag string `yaml:"tag" validate:"required,oneof=equal replace insert delete"`
	A0  int    `yaml:"a0" validate:"gte=0"`
	A1  int    `yaml:"a1" validate:"gtefield=A0"`
	B0  int    `yaml:"b0" validate:"gte=0"`
	B1  int    `yaml:"b1" validate:"gtefield=B0"`
}

// Weight is a scalar or a list with one value per step.
type Weight struct {
	guidance.Weight `yaml:"-"`
	Set             bool `yaml:"-"`
}

func (w *Weight) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		w.Weight = guidance.Scalar(v)
	case yaml.SequenceNode:
		var vs []float64
		if err := node.Decode(&vs); err != nil {
			return err
		}
		w.Weight = guidance.PerStep(vs...)
	default:
		return fmt.Errorf("line %d: weight must be a number or a list of numbers", node.Line)
	}
	w.Set = true
	return nil
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateRunFile, RunFile{})
	return v
}()

func validateRunFile(sl validator.StructLevel) {
	rf := sl.Current().Interface().(RunFile)

	if n := len(rf.GuidanceScale.PerStep); rf.GuidanceScale.PerStep != nil && n < rf.Steps {
		sl.ReportError(rf.GuidanceScale, "guidance_scale", "GuidanceScale", "steps", "")
	}

	for _, c := range rf.ControlNets {
		if n := len(c.Weight.PerStep); c.Weight.PerStep != nil && n < rf.Steps {
			sl.ReportError(c.Weight, "weight", "Weight", "steps", "")
		}
	}

	if rf.Edit != nil {
		if len(rf.Prompts) != 1 {
			sl.ReportError(rf.Prompts, "prompts", "Prompts", "edit_single", "")
		}
		for _, p := range append([]Prompt{rf.Negative}, rf.Prompts...) {
			if p.Tokens != guidance.MaxTokenLength {
				sl.ReportError(p.Tokens, "tokens", "Tokens", "edit_tokens", "")
				break
			}
		}
	}
}

var errInvalidRunFile = errors.New("invalid run file")

// LoadRunFile reads, defaults and validates a run file.
func LoadRunFile(path string) (*RunFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rf RunFile
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err := d.Decode(&rf); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errInvalidRunFile, path, err)
	}

	rf.defaults()
	if err := validate.Struct(&rf); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, e := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag())
			}
			return nil, fmt.Errorf("%w: %s: %s", errInvalidRunFile, path, strings.Join(msgs, ", "))
		}
		return nil, fmt.Errorf("%w: %s: %w", errInvalidRunFile, path, err)
	}
	return &rf, nil
}

func (rf *RunFile) defaults() {
	if rf.Hidden == 0 {
		rf.Hidden = 8
	}
	if !rf.GuidanceScale.Set {
		rf.GuidanceScale = Weight{Weight: guidance.Scalar(7.5), Set: true}
	}
	if rf.Negative.Tokens == 0 {
		rf.Negative.Tokens = guidance.MaxTokenLength
	}
	for i := range rf.Prompts {
		if rf.Prompts[i].Tokens == 0 {
			rf.Prompts[i].Tokens = guidance.MaxTokenLength
		}
	}
	for i := range rf.ControlNets {
		if !rf.ControlNets[i].Weight.Set {
			rf.ControlNets[i].Weight = Weight{Weight: guidance.Scalar(1), Set: true}
		}
		if rf.ControlNets[i].Blocks == 0 {
			rf.ControlNets[i].Blocks = 3
		}
	}
}

func (rf *RunFile) rng(salt string, seed uint64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(salt))
	return rand.New(rand.NewPCG(h.Sum64(), seed))
}

func (rf *RunFile) normal(r *rand.Rand, scale float64, shape ...int) *tensor.Dense {
	t := ops.Zeros(shape...)
	data := ops.Data(t)
	for i := range data {
		data[i] = float32(r.NormFloat64() * scale)
	}
	return t
}

func (rf *RunFile) info(p Prompt, seed uint64) guidance.ConditioningInfo {
	r := rf.rng("prompt:"+p.Text, seed)
	embeds := rf.normal(r, 0.5, 1, p.Tokens, rf.Hidden)
	if !rf.Extended {
		return &guidance.BasicConditioning{Embeds: embeds}
	}

	h, w := float32(rf.Height*8), float32(rf.Width*8)
	return &guidance.ExtendedConditioning{
		Embeds:       embeds,
		PooledEmbeds: rf.normal(r, 0.5, 1, 2*rf.Hidden),
		AddTimeIDs:   ops.New([]float32{h, w, 0, 0, h, w}, 1, 6),
	}
}

// regionMask draws region at image resolution.
func (rf *RunFile) regionMask(region *Region) *tensor.Dense {
	h, w := rf.Height*8, rf.Width*8
	mask := ops.Zeros(1, h, w)
	data := ops.Data(mask)

	x0, y0 := int(region.X*float64(w)), int(region.Y*float64(h))
	x1, y1 := min(w, int((region.X+region.W)*float64(w))), min(h, int((region.Y+region.H)*float64(h)))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			data[y*w+x] = 1
		}
	}
	return mask
}

// Conditioning builds the deterministic conditioning for seed.
func (rf *RunFile) Conditioning(seed uint64) *guidance.ConditioningData {
	cond := &guidance.ConditioningData{
		Unconditioned: rf.info(rf.Negative, seed),
		GuidanceScale: rf.GuidanceScale.Weight,
	}

	for _, p := range rf.Prompts {
		text := guidance.TextConditioning{Info: rf.info(p, seed), MaskStrength: p.Strength}
		if p.Region != nil {
			text.Mask = rf.regionMask(p.Region)
		}
		cond.Text = append(cond.Text, text)
	}

	for i := range rf.IPAdapters {
		r := rf.rng(fmt.Sprintf("ip:%d", i), seed)
		cond.IPAdapter = append(cond.IPAdapter, guidance.IPAdapterConditioning{
			UncondImagePromptEmbeds: ops.Zeros(1, 4, rf.Hidden),
			CondImagePromptEmbeds:   rf.normal(r, 1, 1, 4, rf.Hidden),
		})
	}
	return cond
}

// ControlSignals builds one synthetic ControlNet per entry.
func (rf *RunFile) ControlSignals(seed uint64) ([]guidance.ControlSignal, error) {
	signals := make([]guidance.ControlSignal, len(rf.ControlNets))
	for i, c := range rf.ControlNets {
		r := rf.rng(fmt.Sprintf("control:%d", i), seed)
		image := ops.Zeros(1, 3, rf.Height*8, rf.Width*8)
		data := ops.Data(image)
		for j := range data {
			data[j] = r.Float32()
		}

		signals[i] = guidance.ControlSignal{
			Model:            &synthetic.ControlNet{Blocks: c.Blocks},
			Mode:             guidance.ControlMode(c.Mode),
			BeginStepPercent: c.Begin,
			EndStepPercent:   c.End,
			Weight:           c.Weight.Weight,
			Image:            image,
		}
		if err := signals[i].Validate(); err != nil {
			return nil, fmt.Errorf("controlnet %d: %w", i, err)
		}
	}
	return signals, nil
}

// CrossAttentionArgs returns the prompt edit, if any.
func (rf *RunFile) CrossAttentionArgs(seed uint64) (*guidance.CrossAttentionArgs, error) {
	if rf.Edit == nil {
		return nil, nil
	}

	opts, err := guidance.DecodeEditOptions(rf.Edit.Options)
	if err != nil {
		return nil, err
	}

	opcodes := make([]guidance.EditOpcode, len(rf.Edit.Opcodes))
	options := make([]*guidance.EditOptions, len(rf.Edit.Opcodes))
	for i, op := range rf.Edit.Opcodes {
		opcodes[i] = guidance.EditOpcode{Tag: op.Tag, A0: op.A0, A1: op.A1, B0: op.B0, B1: op.B1}
	}
	options[0] = &opts

	r := rf.rng("prompt:"+rf.Edit.Text, seed)
	edited := rf.normal(r, 0.5, 1, guidance.MaxTokenLength, rf.Hidden)
	return guidance.NewCrossAttentionArgs(edited, opcodes, options)
}
