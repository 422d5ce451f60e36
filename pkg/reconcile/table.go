package reconcile

// Table identifies a watched source table. Events dispatch through a fixed
// table of handlers keyed by this enum rather than by raw table-name
// strings.
type Table int

const (
	TableMessages Table = iota
	TableFiles
	TableActivities
	TableReviews
	TableOrders
)

var tableNames = map[Table]string{
	TableMessages:   "messages",
	TableFiles:      "files",
	TableActivities: "activities",
	TableReviews:    "reviews",
	TableOrders:     "orders",
}

var tablesByName = map[string]Table{
	"messages":   TableMessages,
	"files":      TableFiles,
	"activities": TableActivities,
	"reviews":    TableReviews,
	"orders":     TableOrders,
}

func (t Table) String() string {
	if s, ok := tableNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseTable maps a wire table name onto the enum.
func ParseTable(name string) (Table, bool) {
	t, ok := tablesByName[name]
	return t, ok
}

// Tables lists every watched table, for building subscriptions.
func Tables() []Table {
	return []Table{TableMessages, TableFiles, TableActivities, TableReviews, TableOrders}
}
