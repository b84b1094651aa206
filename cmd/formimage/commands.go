package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/Skryldev/formimage"
	"github.com/Skryldev/formimage/apiclient"
	"github.com/Skryldev/formimage/crop"
	"github.com/Skryldev/formimage/dataurl"
	"github.com/Skryldev/formimage/form"
)

func resizeCmd(g *globalFlags) *cobra.Command {
	var (
		out   string
		asURL bool
	)
	cmd := &cobra.Command{
		Use:   "resize <image>",
		Short: "Fit an image into the upload bounds and re-encode it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.stop()

			res, err := pick(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			a.log.Infow("resized", "width", res.Width(), "height", res.Height(), "bytes", len(res.Image.Data))
			return write(out, res, asURL)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: data URL on stdout)")
	cmd.Flags().BoolVar(&asURL, "data-url", false, "write the data URL instead of the encoded bytes")
	return cmd
}

// cropFlags positions the crop rectangle the way the widget would.
type cropFlags struct {
	zoom, panX, panY float64
	aspect           float64
}

func (f *cropFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.zoom, "zoom", 1, "crop zoom (>= 1)")
	cmd.Flags().Float64Var(&f.panX, "pan-x", 0, "horizontal pan in pixels from centre")
	cmd.Flags().Float64Var(&f.panY, "pan-y", 0, "vertical pan in pixels from centre")
	cmd.Flags().Float64Var(&f.aspect, "aspect", 0, "crop aspect ratio (default: FORMIMAGE_CROP_ASPECT_RATIO)")
}

// runCrop takes path through pick, crop and attach on s.
func runCrop(cmd *cobra.Command, a *app, s *form.Session, path string, f cropFlags) (*formimage.Result, error) {
	src, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if _, err := s.Pick(cmd.Context(), src); err != nil {
		return nil, err
	}
	cs, err := s.BeginCrop(f.aspect, crop.Centered{})
	if err != nil {
		return nil, err
	}
	region := cs.Set(crop.State{Zoom: f.zoom, PanX: f.panX, PanY: f.panY})
	a.log.Debugw("crop region", "x", region.X, "y", region.Y, "width", region.Width, "height", region.Height)

	res, err := s.ConfirmCrop(cmd.Context())
	if err != nil {
		s.CancelCrop()
		return nil, err
	}
	a.log.Infow("cropped", "width", res.Width(), "height", res.Height(), "bytes", len(res.Image.Data),
		"payload_bytes", dataurl.PayloadSize(res.DataURL))
	return res, nil
}

func cropCmd(g *globalFlags) *cobra.Command {
	var (
		out   string
		asURL bool
		cf    cropFlags
	)
	cmd := &cobra.Command{
		Use:   "crop <image>",
		Short: "Resize, crop and compress an image for a form field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.stop()

			s := form.NewSession(a.proc, form.OptionsFromConfig(a.cfg, "image"), nil, form.WithLogger(a.log))
			res, err := runCrop(cmd, a, s, args[0], cf)
			if err != nil {
				return err
			}
			return write(out, res, asURL)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: data URL on stdout)")
	cmd.Flags().BoolVar(&asURL, "data-url", false, "write the data URL instead of the encoded bytes")
	cf.register(cmd)
	return cmd
}

func submitCmd(g *globalFlags) *cobra.Command {
	var (
		resource string
		field    string
		id       string
		values   map[string]string
		cf       cropFlags
	)
	cmd := &cobra.Command{
		Use:   "submit <image>",
		Short: "Crop an image into a form field and send the form to the backend",
		Long: "Runs the full image pipeline, attaches the result to the form field and\n" +
			"creates (or, with --id, patches) a record in the given resource.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(g)
			if err != nil {
				return err
			}
			defer a.stop()

			client, err := newClient(a)
			if err != nil {
				return err
			}

			initial := form.Payload{}
			for k, v := range values {
				initial.Set(k, v)
			}
			s := form.NewSession(a.proc, form.OptionsFromConfig(a.cfg, field), initial, form.WithLogger(a.log))
			if _, err := runCrop(cmd, a, s, args[0], cf); err != nil {
				return err
			}

			payload := s.Payload()
			s.Reset()

			var created map[string]any
			r := client.Resource(resource)
			if id != "" {
				err = r.Patch(cmd.Context(), id, payload, &created)
			} else {
				err = r.Create(cmd.Context(), payload, &created)
			}
			if err != nil {
				return err
			}
			a.log.Infow("submitted", "resource", r.Path(), "fields", len(payload))

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(flatten(created))
		},
	}
	cmd.Flags().StringVar(&resource, "resource", "campaigns", "resource to submit to (campaigns, partners, events, users, donations)")
	cmd.Flags().StringVar(&field, "field", "image", "form field holding the image")
	cmd.Flags().StringVar(&id, "id", "", "patch this record instead of creating one")
	cmd.Flags().StringToStringVar(&values, "set", nil, "extra form values as key=value")
	cf.register(cmd)
	return cmd
}

func newClient(a *app) (*apiclient.Client, error) {
	var tokens apiclient.TokenSource = apiclient.StaticToken(a.cfg.API.Token)
	if a.cfg.API.Token == "" && a.cfg.API.TokenFile != "" {
		tokens = apiclient.FileToken{Path: a.cfg.API.TokenFile}
	}
	return apiclient.New(a.cfg.API.BaseURL,
		apiclient.WithTimeout(a.cfg.API.Timeout),
		apiclient.WithTokenSource(tokens),
		apiclient.WithLogger(a.log),
		apiclient.WithUnauthorizedHandler(func() {
			a.log.Warnw("backend rejected the token; log in again", "token_file", a.cfg.API.TokenFile)
		}),
	)
}

// flatten renders the backend's reply as path/value pairs.
func flatten(record map[string]any) map[string]any {
	fields := form.Describe(record)
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Path] = f.Value
	}
	return out
}
