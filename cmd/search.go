package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadgrid/leadgrid/internal/model"
	"github.com/leadgrid/leadgrid/internal/search"
)

var (
	searchUser     string
	searchCity     string
	searchKeyword  string
	searchDeep     bool
	searchCursor   string
	searchViewport string
)

// parseViewport parses a "minLat,minLng,maxLat,maxLng" flag value.
func parseViewport(raw string) (model.Viewport, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return model.Viewport{}, eris.Errorf("viewport must be minLat,minLng,maxLat,maxLng, got %q", raw)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return model.Viewport{}, eris.Wrapf(err, "viewport component %d", i)
		}
		vals[i] = f
	}
	vp := model.Viewport{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if vp.MinLat >= vp.MaxLat || vp.MinLng >= vp.MaxLng {
		return model.Viewport{}, eris.New("viewport min corner must be south-west of max corner")
	}
	return vp, nil
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run a single search and print the result page",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var viewport model.Viewport
		if searchViewport != "" {
			vp, err := parseViewport(searchViewport)
			if err != nil {
				return err
			}
			viewport = vp
		} else if searchDeep {
			return eris.New("deep search requires --viewport")
		}

		env, err := initEnv(ctx, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		page, err := env.Orch.Search(ctx, search.Request{
			UserID:   searchUser,
			City:     searchCity,
			Keyword:  searchKeyword,
			Deep:     searchDeep,
			Cursor:   searchCursor,
			Viewport: viewport,
		})
		if err != nil {
			return err
		}

		zap.L().Info("search complete",
			zap.String("city", searchCity),
			zap.String("keyword", searchKeyword),
			zap.Int("records", len(page.Records)),
			zap.Bool("cache_hit", page.CacheHit),
			zap.Int64("charged", page.Charged),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchUser, "user", "", "user ID to search and bill as (required)")
	searchCmd.Flags().StringVar(&searchCity, "city", "", "city to search in (required)")
	searchCmd.Flags().StringVar(&searchKeyword, "keyword", "", "business keyword (required)")
	searchCmd.Flags().BoolVar(&searchDeep, "deep", false, "deep search past the provider result ceiling")
	searchCmd.Flags().StringVar(&searchCursor, "cursor", "", "pagination cursor from a previous page")
	searchCmd.Flags().StringVar(&searchViewport, "viewport", "", "bounding box as minLat,minLng,maxLat,maxLng (required for --deep)")
	_ = searchCmd.MarkFlagRequired("user")
	_ = searchCmd.MarkFlagRequired("city")
	_ = searchCmd.MarkFlagRequired("keyword")
	rootCmd.AddCommand(searchCmd)
}
