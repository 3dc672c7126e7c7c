// Package all registers every warehouse backend. Import it for side effects
// from main packages.
package all

import (
	_ "portetl/internal/warehouse/bigquery"
	_ "portetl/internal/warehouse/mssql"
	_ "portetl/internal/warehouse/postgres"
	_ "portetl/internal/warehouse/sqlite"
)
