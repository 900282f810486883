// Package interact dispatches clicks, fills, and selections against live
// pages. Frontend frameworks intercept or shadow native DOM state, so every
// action picks its event sequence based on which framework rendered the
// page; detection runs once per navigation and is cached until the document
// is replaced.
package interact

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roelfdiedericks/webclaw/internal/dom"
	. "github.com/roelfdiedericks/webclaw/internal/logging"
)

// Framework identifies the frontend framework rendering the page
type Framework int

const (
	FrameworkNone Framework = iota
	FrameworkReact
	FrameworkVue
	FrameworkAngular
	FrameworkSvelte
)

func (f Framework) String() string {
	switch f {
	case FrameworkReact:
		return "react"
	case FrameworkVue:
		return "vue"
	case FrameworkAngular:
		return "angular"
	case FrameworkSvelte:
		return "svelte"
	default:
		return "none"
	}
}

func frameworkFromString(s string) Framework {
	switch s {
	case "react":
		return FrameworkReact
	case "vue":
		return FrameworkVue
	case "angular":
		return FrameworkAngular
	case "svelte":
		return FrameworkSvelte
	default:
		return FrameworkNone
	}
}

// detectScript probes well-known globals and DOM markers. Order matters:
// meta-frameworks layer on top of React/Vue, so the base library wins.
const detectScript = `(() => {
	try {
		if (window.__REACT_DEVTOOLS_GLOBAL_HOOK__ && window.__REACT_DEVTOOLS_GLOBAL_HOOK__.renderers
			&& window.__REACT_DEVTOOLS_GLOBAL_HOOK__.renderers.size > 0) return 'react';
		const probe = document.querySelector('body *');
		for (let el = probe; el; el = el.parentElement) {
			for (const key in el) {
				if (key.startsWith('__reactFiber$') || key.startsWith('__reactProps$')
					|| key.startsWith('__reactInternalInstance$')) return 'react';
			}
		}
		if (window.__VUE__ || window.Vue) return 'vue';
		if (document.querySelector('[data-v-app], [data-server-rendered="true"]')) return 'vue';
		if (window.ng || window.getAllAngularRootElements
			|| document.querySelector('[ng-version]')) return 'angular';
		if (window.__svelte || document.querySelector('[class*="svelte-"]')) return 'svelte';
	} catch (e) {}
	return 'none';
})()`

// Detector caches one framework probe per navigation generation
type Detector struct {
	page dom.Page

	mu  sync.Mutex
	gen int64
	fw  Framework
	set bool
}

func NewDetector(p dom.Page) *Detector {
	return &Detector{page: p}
}

// Detect returns the page's framework, probing at most once per generation
func (d *Detector) Detect(ctx context.Context) (Framework, error) {
	gen := d.page.Generation()

	d.mu.Lock()
	if d.set && d.gen == gen {
		fw := d.fw
		d.mu.Unlock()
		return fw, nil
	}
	d.mu.Unlock()

	raw, err := d.page.Evaluate(ctx, detectScript)
	if err != nil {
		return FrameworkNone, err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		name = "none"
	}
	fw := frameworkFromString(name)

	d.mu.Lock()
	d.gen = gen
	d.fw = fw
	d.set = true
	d.mu.Unlock()

	L_debug("interact: framework detected", "framework", fw.String(), "generation", gen)
	return fw, nil
}
