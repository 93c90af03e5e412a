package store

import "context"

// WithDefaults wraps s so that Settings fills unset fields from def.
func WithDefaults(s Store, def Settings) Store {
	return &defaulted{Store: s, def: def}
}

type defaulted struct {
	Store
	def Settings
}

func (d *defaulted) Settings(ctx context.Context) (Settings, error) {
	got, err := d.Store.Settings(ctx)
	if err != nil {
		return Settings{}, err
	}
	return merge(got, d.def), nil
}

func merge(got, def Settings) Settings {
	if got.ExecutablePath == "" {
		got.ExecutablePath = def.ExecutablePath
	}
	if got.StorefrontURI == "" {
		got.StorefrontURI = def.StorefrontURI
	}
	if got.AllowMultipleInstances == nil && def.AllowMultipleInstances != nil {
		v := *def.AllowMultipleInstances
		got.AllowMultipleInstances = &v
	}
	if len(def.AutomationOptions) > 0 {
		opts := make(map[string]string, len(def.AutomationOptions)+len(got.AutomationOptions))
		for k, v := range def.AutomationOptions {
			opts[k] = v
		}
		for k, v := range got.AutomationOptions {
			opts[k] = v
		}
		got.AutomationOptions = opts
	}
	return got
}
