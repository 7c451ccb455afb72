package postfactory

import (
	"github.com/newsreap/newsreap/internal/logger"
)

// HookArgs is the fixed argument set handed to every hook.
type HookArgs struct {
	// Name is the stage being wrapped (prepare, stage, upload, verify,
	// clean).
	Name string
	// Path is the factory's source path.
	Path string
	// Status carries the stage outcome into post hooks; always true for
	// pre hooks.
	Status bool
}

// Hook observes or vetoes a stage. A pre hook returning false aborts the
// stage; post hook returns are ignored.
type Hook func(args HookArgs) bool

// HookRegistry dispatches pre_<stage> and post_<stage> hooks.
type HookRegistry struct {
	hooks map[string][]Hook
	log   *logger.Logger
}

func NewHookRegistry(log *logger.Logger) *HookRegistry {
	if log == nil {
		log = logger.Discard()
	}
	return &HookRegistry{hooks: make(map[string][]Hook), log: log}
}

// Register appends a hook under a key like "pre_upload" or "post_stage".
func (r *HookRegistry) Register(key string, h Hook) {
	r.hooks[key] = append(r.hooks[key], h)
}

// call runs one hook, converting a panic into a logged false.
func (r *HookRegistry) call(key string, h Hook, args HookArgs) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("hook %s panicked: %v", key, p)
			ok = false
		}
	}()
	return h(args)
}

// RunPre fires the pre hooks for a stage; any false return aborts.
func (r *HookRegistry) RunPre(stage, path string) bool {
	key := "pre_" + stage
	for _, h := range r.hooks[key] {
		if !r.call(key, h, HookArgs{Name: stage, Path: path, Status: true}) {
			r.log.Warn("hook %s vetoed stage %s", key, stage)
			return false
		}
	}
	return true
}

// RunPost fires the post hooks; they always run and receive the stage
// status.
func (r *HookRegistry) RunPost(stage, path string, status bool) {
	key := "post_" + stage
	for _, h := range r.hooks[key] {
		r.call(key, h, HookArgs{Name: stage, Path: path, Status: status})
	}
}
