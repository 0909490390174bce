package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/madzarm/ccsearch/internal/model"
)

// appendFilterClauses builds the WHERE/AND fragments for a model.Filters,
// generalizing the teacher's time-only clause builder with an additional
// project path-prefix clause. If hasWhere is true, clauses use "AND";
// otherwise the first clause uses "WHERE".
func appendFilterClauses(f model.Filters, tsCol, projectCol string, hasWhere bool, params []interface{}) (string, []interface{}) {
	var clauses []string

	if f.Time != nil {
		if f.Time.Since != nil {
			clauses = append(clauses, fmt.Sprintf("%s >= ?", tsCol))
			params = append(params, *f.Time.Since)
		}
		if f.Time.Until != nil {
			clauses = append(clauses, fmt.Sprintf("%s <= ?", tsCol))
			params = append(params, *f.Time.Until)
		}
	}
	if f.Project != "" {
		clauses = append(clauses, fmt.Sprintf("%s LIKE ?", projectCol))
		params = append(params, f.Project+"%")
	}

	if len(clauses) == 0 {
		return "", params
	}

	var sb strings.Builder
	for i, c := range clauses {
		if i == 0 && !hasWhere {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(c)
	}
	return sb.String(), params
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rawJSON(r json.RawMessage) interface{} {
	if r == nil {
		return nil
	}
	return string(r)
}

func formatFloatArray(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
