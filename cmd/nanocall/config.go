package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/kshedden/nanocall/internal/driver"
	"github.com/kshedden/nanocall/internal/model"
	"github.com/kshedden/nanocall/internal/nanoerr"
	"github.com/kshedden/nanocall/internal/nanolog"
)

// modelArg is one parsed "-m STRAND:FILE" flag occurrence.
type modelArg struct {
	strand model.Strand
	path   string
}

// modelArgList implements flag.Value so "-m" can be given repeatedly.
type modelArgList []modelArg

func (l *modelArgList) String() string {
	var parts []string
	for _, a := range *l {
		parts = append(parts, fmt.Sprintf("%d:%s", a.strand, a.path))
	}
	return strings.Join(parts, ",")
}

func (l *modelArgList) Set(s string) error {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return fmt.Errorf("malformed -m argument %q, want STRAND:FILE", s)
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || n < 0 || n > 2 {
		return fmt.Errorf("malformed -m argument %q: STRAND must be 0, 1, or 2", s)
	}
	path := s[i+1:]
	if path == "" {
		return fmt.Errorf("malformed -m argument %q: missing FILE", s)
	}
	*l = append(*l, modelArg{strand: model.Strand(n), path: path})
	return nil
}

// logLevelList implements flag.Value so "--log" can be given repeatedly,
// either as a bare level or "channel:level".
type logLevelList []string

func (l *logLevelList) String() string { return strings.Join(*l, ",") }
func (l *logLevelList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// Config is the fully parsed and validated command line (§6).
type Config struct {
	Inputs []string

	Workers   int
	ChunkSize int

	Models     modelArgList
	ModelFofn  string
	TransFile  string
	OutputPath string

	Train              bool
	NoTrain            bool
	OnlyTrain          bool
	NoTrainScaling     bool
	NoTrainTransitions bool
	SingleStrand       bool
	DoubleStrand       bool

	ScalingSelectThreshold float64
	ScalingMinProgress     float64
	ScalingMaxRounds       int
	ScalingNumEvents       int

	PrSkip float64
	PrStay float64

	MinLen         int
	MaxLen         int
	FastaLineWidth int

	TwoDHMM   bool
	StatsPath string

	LogLevels logLevelList

	trainSet   bool
	noTrainSet bool
	singleSet  bool
	doubleSet  bool
}

// ParseArgs declares every flag of §6 and parses args (excluding
// the program name, as with flag.CommandLine.Parse).
func ParseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("nanocall", flag.ContinueOnError)
	cfg := &Config{}

	fs.IntVar(&cfg.Workers, "t", 4, "number of worker goroutines")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", 1, "reads dequeued per worker turn")

	fs.Var(&cfg.Models, "m", "STRAND:FILE, add a candidate model (STRAND in 0=template,1=complement,2=both); repeatable")
	fs.StringVar(&cfg.ModelFofn, "model-fofn", "", "file listing additional STRAND:FILE model entries, one per line")
	fs.StringVar(&cfg.TransFile, "s", "", "custom transitions file (default: built-in defaults)")
	fs.StringVar(&cfg.OutputPath, "o", "", "FASTA output path (default: stdout)")

	fs.BoolVar(&cfg.Train, "train", true, "train pm/transition parameters per read")
	fs.BoolVar(&cfg.NoTrain, "no-train", false, "disable training (mutually exclusive with --train)")
	fs.BoolVar(&cfg.OnlyTrain, "only-train", false, "train but do not decode")
	fs.BoolVar(&cfg.NoTrainScaling, "no-train-scaling", false, "disable pm_params training")
	fs.BoolVar(&cfg.NoTrainTransitions, "no-train-transitions", false, "disable transition training")
	fs.BoolVar(&cfg.SingleStrand, "single-strand-scaling", false, "fit template and complement scaling independently")
	fs.BoolVar(&cfg.DoubleStrand, "double-strand-scaling", true, "constrain template and complement scaling together (default)")

	fs.Float64Var(&cfg.ScalingSelectThreshold, "scaling-select-threshold", 20.0, "log-likelihood gap required to select a winning model")
	fs.Float64Var(&cfg.ScalingMinProgress, "scaling-min-progress", 1.0, "minimum per-round log-likelihood gain to continue training")
	fs.IntVar(&cfg.ScalingMaxRounds, "scaling-max-rounds", 10, "maximum training rounds per model")
	fs.IntVar(&cfg.ScalingNumEvents, "scaling-num-events", 200, "total events drawn (head+tail) for training")

	fs.Float64Var(&cfg.PrSkip, "pr-skip", 0.3, "default total skip probability")
	fs.Float64Var(&cfg.PrStay, "pr-stay", 0.1, "default self-stay probability")

	fs.IntVar(&cfg.MinLen, "min-len", 10, "minimum eligible event count per strand")
	fs.IntVar(&cfg.MaxLen, "max-len", 50000, "maximum eligible event count per strand")
	fs.IntVar(&cfg.FastaLineWidth, "fasta-line-width", 80, "FASTA sequence line width")

	fs.BoolVar(&cfg.TwoDHMM, "2d-hmm", false, "emit a 2D consensus record when both strands decode")
	fs.StringVar(&cfg.StatsPath, "stats", "", "write per-read stats TSV to FILE")

	fs.Var(&cfg.LogLevels, "log", "LEVEL or channel:LEVEL, repeatable")

	if err := fs.Parse(args); err != nil {
		return nil, nanoerr.Config(err.Error())
	}
	cfg.Inputs = fs.Args()

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "train":
			cfg.trainSet = true
		case "no-train":
			cfg.noTrainSet = true
		case "single-strand-scaling":
			cfg.singleSet = true
		case "double-strand-scaling":
			cfg.doubleSet = true
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate implements §7's config-error fail-fast list.
func (c *Config) Validate() error {
	if c.trainSet && c.noTrainSet && c.Train && c.NoTrain {
		return nanoerr.Config("--train and --no-train are mutually exclusive")
	}
	if c.singleSet && c.doubleSet && c.SingleStrand && c.DoubleStrand {
		return nanoerr.Config("--single-strand-scaling and --double-strand-scaling are mutually exclusive")
	}
	if c.OnlyTrain && c.NoTrain {
		return nanoerr.Config("--only-train and --no-train together is a config error")
	}
	if len(c.Inputs) == 0 {
		return nanoerr.Config("no input paths given")
	}
	if c.Workers <= 0 {
		return nanoerr.Config("-t must be positive")
	}
	if c.ChunkSize <= 0 {
		return nanoerr.Config("--chunk-size must be positive")
	}
	if c.ScalingSelectThreshold < 0 {
		return nanoerr.Config("--scaling-select-threshold must be non-negative")
	}
	if c.ScalingMinProgress < 0 {
		return nanoerr.Config("--scaling-min-progress must be non-negative")
	}
	if c.ScalingMaxRounds <= 0 {
		return nanoerr.Config("--scaling-max-rounds must be positive")
	}
	if c.ScalingNumEvents <= 0 {
		return nanoerr.Config("--scaling-num-events must be positive")
	}
	if c.PrSkip < 0 || c.PrStay < 0 || c.PrSkip+c.PrStay >= 1 {
		return nanoerr.Config("--pr-skip and --pr-stay must be non-negative and sum to less than 1")
	}
	if c.MinLen < 0 || c.MaxLen < c.MinLen {
		return nanoerr.Config("--min-len/--max-len form an invalid range")
	}
	if c.FastaLineWidth < 0 {
		return nanoerr.Config("--fasta-line-width must be non-negative")
	}
	for _, m := range c.Models {
		if m.strand > model.Both {
			return nanoerr.Config(fmt.Sprintf("malformed -m argument: strand %d out of range", m.strand))
		}
	}
	for _, lvl := range c.LogLevels {
		if _, _, err := splitLogLevel(lvl); err != nil {
			return nanoerr.Config(err.Error())
		}
	}
	return nil
}

// splitLogLevel parses one --log argument into its optional channel and
// level.
func splitLogLevel(s string) (channel string, lvl nanolog.Level, err error) {
	raw := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		channel, raw = s[:i], s[i+1:]
	}
	lvl, err = nanolog.ParseLevel(raw)
	if err != nil {
		return "", 0, fmt.Errorf("malformed --log argument %q: %w", s, err)
	}
	return channel, lvl, nil
}

// driverConfig projects the CLI config into the driver's narrower view.
func (c *Config) driverConfig() driver.Config {
	return driver.Config{
		MinReadLen: c.MinLen,
		MaxReadLen: c.MaxLen,

		Train:            c.Train && !c.NoTrain,
		OnlyTrain:        c.OnlyTrain,
		TrainScaling:     !c.NoTrainScaling,
		TrainTransitions: !c.NoTrainTransitions,
		DoubleStrand:     c.DoubleStrand && !c.SingleStrand,

		ScalingNumEvents:       c.ScalingNumEvents,
		ScalingMaxRounds:       c.ScalingMaxRounds,
		ScalingMinProgress:     c.ScalingMinProgress,
		ScalingSelectThreshold: c.ScalingSelectThreshold,

		PrStay: c.PrStay,
		PrSkip: c.PrSkip,

		TwoDHMM:        c.TwoDHMM,
		FastaLineWidth: c.FastaLineWidth,
	}
}
