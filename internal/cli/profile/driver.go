package profile

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/wallprof/internal/host/simhost"
	"github.com/coral-mesh/wallprof/internal/pprofexport"
	"github.com/coral-mesh/wallprof/internal/translate"
	"github.com/coral-mesh/wallprof/internal/wall"
)

// session is one stopped wall profile.
type session struct {
	index   int
	title   string
	start   time.Time
	profile *translate.Profile
}

// driver runs on the workload goroutine, between units of work, the way an
// embedder's own code calls into the profiler.
type driver struct {
	profiler *wall.Profiler
	logger   zerolog.Logger

	sessions int
	length   time.Duration
	restart  bool
	labels   bool

	// onStart runs once, on the workload thread, before the first session.
	// onFinish runs there once the workload is over.
	onStart  func() error
	onFinish func()
	done     func()
	results  chan<- session

	routes   map[string]pprofexport.Labels
	started  bool
	emitted  int
	title    string
	begin    time.Time
	deadline time.Time
	err      error
}

func (d *driver) beforeUnit(u simhost.Unit) {
	if d.err != nil || d.emitted == d.sessions {
		return
	}
	if !d.started {
		if err := d.startFirst(); err != nil {
			d.fail(err)
			return
		}
	}
	if d.labels {
		d.profiler.SetContext(d.routeLabels(u.Route))
	}
	if time.Now().Before(d.deadline) {
		return
	}

	last := d.emitted+1 == d.sessions
	restart := d.restart && !last
	if err := d.stop(restart); err != nil {
		d.fail(err)
		return
	}
	if last {
		d.done()
		return
	}
	if !d.profiler.Started() {
		if err := d.profiler.Start(); err != nil {
			d.fail(err)
			return
		}
	}
	d.mark()
}

func (d *driver) startFirst() error {
	if d.onStart != nil {
		if err := d.onStart(); err != nil {
			return err
		}
	}
	if err := d.profiler.Start(); err != nil {
		return err
	}
	d.started = true
	d.mark()
	return nil
}

func (d *driver) mark() {
	d.title = d.profiler.Session()
	d.begin = time.Now()
	d.deadline = d.begin.Add(d.length)
}

func (d *driver) stop(restart bool) error {
	title, begin := d.title, d.begin
	p, err := d.profiler.Stop(restart)
	if errors.Is(err, wall.ErrNoProfile) {
		d.logger.Warn().Str("profile", title).Msg("Engine lost the session, skipping it")
		d.emitted++
		return nil
	}
	if err != nil {
		return err
	}
	d.results <- session{index: d.emitted, title: title, start: begin, profile: p}
	d.emitted++
	return nil
}

// finish stops a session the workload was interrupted in and disposes the
// profiler.
func (d *driver) finish() {
	if d.started && d.profiler.Started() {
		if err := d.stop(false); err != nil && d.err == nil {
			d.err = err
		}
	}
	if d.onFinish != nil {
		d.onFinish()
	}
	d.profiler.SetContext(nil)
	if err := d.profiler.Dispose(); err != nil && !errors.Is(err, wall.ErrDisposed) {
		d.logger.Warn().Err(err).Msg("Failed to dispose wall profiler")
	}
}

func (d *driver) fail(err error) {
	d.err = err
	d.done()
}

func (d *driver) routeLabels(route string) pprofexport.Labels {
	l, ok := d.routes[route]
	if !ok {
		l = pprofexport.Labels{"route": route}
		d.routes[route] = l
	}
	return l
}
