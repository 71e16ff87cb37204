package host

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied by Configure for zero-valued options.
const (
	DefaultWidth           = 200.0
	DefaultHeight          = 200.0
	DefaultFieldResolution = 32
	DefaultDiffusion       = 0.2
	DefaultDecay           = 0.02
	DefaultSeed            = 1

	maxEntitySpeed = 12.0
	depositAmount  = 1.0
)

// WithDefaults returns opts with zero values replaced by package defaults.
func (o Options) WithDefaults() Options {
	if o.Width == 0 {
		o.Width = DefaultWidth
	}
	if o.Height == 0 {
		o.Height = DefaultHeight
	}
	if o.FieldResolution == 0 {
		o.FieldResolution = DefaultFieldResolution
	}
	if o.Diffusion == 0 {
		o.Diffusion = DefaultDiffusion
	}
	if o.Decay == 0 {
		o.Decay = DefaultDecay
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	return o
}

// Validate reports the first invalid option.
func (o Options) Validate() error {
	switch {
	case o.Width <= 0 || o.Height <= 0:
		return fmt.Errorf("%w: world size must be positive (%gx%g)", ErrInvalidOptions, o.Width, o.Height)
	case o.InitialEntities < 0:
		return fmt.Errorf("%w: initial_entities must be non-negative, got %d", ErrInvalidOptions, o.InitialEntities)
	case o.FieldResolution <= 0:
		return fmt.Errorf("%w: field_resolution must be positive, got %d", ErrInvalidOptions, o.FieldResolution)
	case o.Diffusion < 0 || o.Diffusion > 1:
		return fmt.Errorf("%w: diffusion must be within [0,1], got %g", ErrInvalidOptions, o.Diffusion)
	case o.Decay < 0 || o.Decay > 1:
		return fmt.Errorf("%w: decay must be within [0,1], got %g", ErrInvalidOptions, o.Decay)
	}
	return nil
}

// Sandbox is a deterministic reference simulation: entities random-walk over
// a bounded plane and deposit into a diffusing, decaying scalar field.
type Sandbox struct {
	opts     Options
	rng      *rand.Rand
	state    State
	entities []Entity
	field    []float64
	scratch  []float64
	nextID   uint64

	stepTotal time.Duration
	lastStep  time.Duration
	startedAt time.Time
	now       func() time.Time
}

// NewSandbox returns an unconfigured sandbox using default options.
func NewSandbox() *Sandbox {
	return &Sandbox{
		opts:  Options{}.WithDefaults(),
		state: State{Speed: 1},
		now:   time.Now,
	}
}

// NewSandboxFactory adapts NewSandbox to Factory.
func NewSandboxFactory() Factory {
	return func() Simulation { return NewSandbox() }
}

// Configure validates and stores options. It stops the simulation; the new
// options take effect on the next Initialize.
func (s *Sandbox) Configure(opts Options) error {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return err
	}
	s.opts = opts
	s.state = State{Speed: s.state.Speed}
	return nil
}

// Initialize (re)builds the world from the configured options.
func (s *Sandbox) Initialize() error {
	seed := uint64(s.opts.Seed)
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	res := s.opts.FieldResolution
	s.field = make([]float64, res*res)
	s.scratch = make([]float64, res*res)
	s.entities = s.entities[:0]
	s.nextID = 0
	for i := 0; i < s.opts.InitialEntities; i++ {
		s.spawn(nil)
	}
	speed := s.state.Speed
	if speed <= 0 {
		speed = 1
	}
	s.state = State{Initialized: true, Speed: speed, EntityCount: len(s.entities)}
	s.stepTotal, s.lastStep = 0, 0
	return nil
}

// Start begins (or restarts) stepping, initializing first if needed.
func (s *Sandbox) Start() error {
	if !s.state.Initialized {
		if err := s.Initialize(); err != nil {
			return err
		}
	}
	if !s.state.Running {
		s.startedAt = s.now()
	}
	s.state.Running = true
	s.state.Paused = false
	return nil
}

func (s *Sandbox) Pause() error {
	if !s.state.Running {
		return ErrNotRunning
	}
	s.state.Paused = true
	return nil
}

func (s *Sandbox) Resume() error {
	if !s.state.Running {
		return ErrNotRunning
	}
	s.state.Paused = false
	return nil
}

func (s *Sandbox) Stop() error {
	s.state.Running = false
	s.state.Paused = false
	return nil
}

// Reset stops the simulation and rebuilds the world with the same options.
func (s *Sandbox) Reset() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Initialize()
}

func (s *Sandbox) SetSpeed(multiplier float64) error {
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return ErrInvalidSpeed
	}
	s.state.Speed = multiplier
	return nil
}

func (s *Sandbox) AddEntity(pos *Position) error {
	if !s.state.Initialized {
		if err := s.Initialize(); err != nil {
			return err
		}
	}
	s.spawn(pos)
	s.state.EntityCount = len(s.entities)
	return nil
}

func (s *Sandbox) spawn(pos *Position) {
	var p Position
	if pos != nil {
		p = Position{X: clamp(pos.X, 0, s.opts.Width), Y: clamp(pos.Y, 0, s.opts.Height)}
	} else {
		p = Position{X: s.rng.Float64() * s.opts.Width, Y: s.rng.Float64() * s.opts.Height}
	}
	angle := s.rng.Float64() * 2 * math.Pi
	s.nextID++
	s.entities = append(s.entities, Entity{
		ID:       s.nextID,
		Position: p,
		Velocity: Position{X: math.Cos(angle) * maxEntitySpeed / 2, Y: math.Sin(angle) * maxEntitySpeed / 2},
		Energy:   1,
	})
}

// Step advances entities and the field by dt scaled by the speed multiplier.
func (s *Sandbox) Step(dt time.Duration) error {
	if !s.state.Running || s.state.Paused {
		return nil
	}
	began := s.now()
	seconds := dt.Seconds() * s.state.Speed

	for i := range s.entities {
		e := &s.entities[i]
		e.Velocity.X += (s.rng.Float64() - 0.5) * maxEntitySpeed * seconds
		e.Velocity.Y += (s.rng.Float64() - 0.5) * maxEntitySpeed * seconds
		if v := math.Hypot(e.Velocity.X, e.Velocity.Y); v > maxEntitySpeed {
			e.Velocity.X *= maxEntitySpeed / v
			e.Velocity.Y *= maxEntitySpeed / v
		}
		e.Position.X, e.Velocity.X = bounce(e.Position.X+e.Velocity.X*seconds, e.Velocity.X, s.opts.Width)
		e.Position.Y, e.Velocity.Y = bounce(e.Position.Y+e.Velocity.Y*seconds, e.Velocity.Y, s.opts.Height)
		e.Energy = math.Max(0, e.Energy-0.01*seconds)
		e.Age++
		s.field[s.cellOf(e.Position)] += depositAmount
	}
	s.diffuse()

	s.state.Tick++
	s.state.SimSeconds += seconds
	s.lastStep = s.now().Sub(began)
	s.stepTotal += s.lastStep
	return nil
}

// diffuse blends each cell with its 4-neighbourhood, then applies decay.
func (s *Sandbox) diffuse() {
	res := s.opts.FieldResolution
	rate, keep := s.opts.Diffusion, 1-s.opts.Decay
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			i := y*res + x
			sum, n := 0.0, 0.0
			if x > 0 {
				sum += s.field[i-1]
				n++
			}
			if x < res-1 {
				sum += s.field[i+1]
				n++
			}
			if y > 0 {
				sum += s.field[i-res]
				n++
			}
			if y < res-1 {
				sum += s.field[i+res]
				n++
			}
			v := s.field[i]
			if n > 0 {
				v += rate * (sum/n - v)
			}
			s.scratch[i] = v * keep
		}
	}
	s.field, s.scratch = s.scratch, s.field
}

func (s *Sandbox) cellOf(p Position) int {
	res := s.opts.FieldResolution
	cx := int(p.X / s.opts.Width * float64(res))
	cy := int(p.Y / s.opts.Height * float64(res))
	if cx >= res {
		cx = res - 1
	}
	if cy >= res {
		cy = res - 1
	}
	return cy*res + cx
}

func (s *Sandbox) State() State {
	return s.state
}

func (s *Sandbox) EntityData() []Entity {
	out := make([]Entity, len(s.entities))
	copy(out, s.entities)
	return out
}

func (s *Sandbox) FieldData() []Field {
	res := s.opts.FieldResolution
	values := make([]float64, len(s.field))
	copy(values, s.field)
	return []Field{{Name: "trail", Width: res, Height: res, Values: values}}
}

func (s *Sandbox) EnvironmentData() Environment {
	// One simulated day lasts 120 seconds.
	phase := math.Mod(s.state.SimSeconds, 120) / 120
	return Environment{
		Width:       s.opts.Width,
		Height:      s.opts.Height,
		Temperature: 18 + 6*math.Sin(2*math.Pi*phase),
		Daylight:    0.5 + 0.5*math.Sin(2*math.Pi*phase),
	}
}

func (s *Sandbox) PerformanceStats() Stats {
	st := Stats{
		Steps:          s.state.Tick,
		LastStepMillis: float64(s.lastStep) / float64(time.Millisecond),
		EntityCount:    len(s.entities),
	}
	if s.state.Tick > 0 {
		st.AvgStepMillis = float64(s.stepTotal) / float64(time.Millisecond) / float64(s.state.Tick)
	}
	if s.state.Running && !s.startedAt.IsZero() {
		if elapsed := s.now().Sub(s.startedAt).Seconds(); elapsed > 0 {
			st.StepsPerSecond = float64(s.state.Tick) / elapsed
		}
	}
	return st
}

func bounce(pos, vel, limit float64) (float64, float64) {
	if pos < 0 {
		return clamp(-pos, 0, limit), -vel
	}
	if pos > limit {
		return clamp(2*limit-pos, 0, limit), -vel
	}
	return pos, vel
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
