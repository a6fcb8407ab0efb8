package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentalon/apichain/internal/config"
	"github.com/opentalon/apichain/internal/scheduler"
)

// jobOptions edit the dynamic jobs kept under state.data_dir. They take
// effect the next time -schedule starts.
type jobOptions struct {
	list   bool
	add    string
	spec   string
	remove string
	pause  string
	resume string
	run    string
}

func (o jobOptions) requested() bool {
	return o.list || o.add != "" || o.remove != "" || o.pause != "" || o.resume != "" || o.run != ""
}

func buildChains(cfg *config.Config, d deps) (map[string]scheduler.Asker, error) {
	chains := make(map[string]scheduler.Asker, len(cfg.Chains))
	for _, name := range cfg.ChainNames() {
		c, err := buildChain(cfg, name, d)
		if err != nil {
			return nil, err
		}
		chains[name] = c
	}
	return chains, nil
}

func configJobs(cfg *config.Config) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		jobs = append(jobs, scheduler.Job{Name: s.Name, Spec: s.Spec, Chain: s.Chain, Question: s.Question})
	}
	return jobs
}

func newScheduler(cfg *config.Config, d deps) (*scheduler.Scheduler, error) {
	chains, err := buildChains(cfg, d)
	if err != nil {
		return nil, err
	}
	return scheduler.New(chains,
		scheduler.WithLogger(d.logger),
		scheduler.WithDataDir(cfg.State.DataDir),
	), nil
}

func manageJobs(cfg *config.Config, d deps, opts options) error {
	sched, err := newScheduler(cfg, d)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Stop(sctx)
	}()
	if err := sched.Load(configJobs(cfg)); err != nil {
		return err
	}

	jo := opts.jobs
	switch {
	case jo.add != "":
		if opts.chain == "" || opts.question == "" || jo.spec == "" {
			return errors.New("-job-add requires -chain, -question and -job-spec")
		}
		return sched.AddJob(scheduler.Job{Name: jo.add, Spec: jo.spec, Chain: opts.chain, Question: opts.question})
	case jo.remove != "":
		return sched.RemoveJob(jo.remove)
	case jo.pause != "":
		return sched.PauseJob(jo.pause)
	case jo.resume != "":
		return sched.ResumeJob(jo.resume)
	case jo.run != "":
		res, err := sched.RunNow(jo.run)
		if err != nil {
			return err
		}
		fmt.Println(res.Answer)
		return nil
	}

	for _, j := range sched.ListJobs() {
		next := "paused"
		if t, ok := sched.NextRun(j.Name); ok {
			next = t.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", j.Name, j.Chain, j.Spec, j.Source, next)
	}
	return nil
}
