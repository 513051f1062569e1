package system

import "errors"

// Close releases resources held by the runtime. It does not save state.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}

	var errs []error
	if r.Archive != nil {
		if err := r.Archive.Close(); err != nil {
			errs = append(errs, err)
		}
		r.Archive = nil
	}
	return errors.Join(errs...)
}
