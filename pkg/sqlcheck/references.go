package sqlcheck

// tableRef is one table referenced in a FROM or JOIN clause.
type tableRef struct {
	Name string
	Pos  int
}

// columnRef is one qualified column reference (alias.column).
type columnRef struct {
	Qualifier string
	Name      string
	Pos       int
}

// references holds everything extracted from the token stream that the
// schema checks need.
type references struct {
	Tables   []tableRef
	Columns  []columnRef
	Aliases  map[string]string // alias -> table name
	CTENames map[string]bool
}

// extractReferences walks the token stream collecting CTE names,
// FROM/JOIN table references with their aliases, and dot-qualified
// column references. Unqualified columns are not collected; without a
// parser their owning table is ambiguous and checking them would
// produce false positives.
func extractReferences(tokens []token) references {
	refs := references{
		Aliases:  make(map[string]string),
		CTENames: make(map[string]bool),
	}

	collectCTENames(tokens, &refs)

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Kind != tokenWord {
			continue
		}
		switch tok.Upper {
		case "FROM", "JOIN":
			i = collectTable(tokens, i+1, &refs)
		}
	}

	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].Kind == tokenWord &&
			tokens[i+1].Kind == tokenSymbol && tokens[i+1].Text == "." &&
			tokens[i+2].Kind == tokenWord {
			// alias.* is a projection, not a column reference.
			refs.Columns = append(refs.Columns, columnRef{
				Qualifier: tokens[i].Text,
				Name:      tokens[i+2].Text,
				Pos:       tokens[i+2].Pos,
			})
			i += 2
		}
	}

	return refs
}

// collectCTENames registers names bound by a leading WITH clause so
// later FROM references to them are not treated as schema tables.
// Pattern: WITH name AS ( ... ) [, name AS ( ... )]*
func collectCTENames(tokens []token, refs *references) {
	if len(tokens) == 0 || tokens[0].Kind != tokenWord || tokens[0].Upper != "WITH" {
		return
	}
	i := 1
	if i < len(tokens) && tokens[i].Kind == tokenWord && tokens[i].Upper == "RECURSIVE" {
		i++
	}
	for i < len(tokens) {
		if tokens[i].Kind != tokenWord {
			return
		}
		name := tokens[i].Text
		i++
		// Optional column list: name (a, b) AS (...)
		if i < len(tokens) && tokens[i].Kind == tokenSymbol && tokens[i].Text == "(" {
			depth := 1
			i++
			for i < len(tokens) && depth > 0 {
				if tokens[i].Kind == tokenSymbol {
					switch tokens[i].Text {
					case "(":
						depth++
					case ")":
						depth--
					}
				}
				i++
			}
		}
		if i >= len(tokens) || tokens[i].Kind != tokenWord || tokens[i].Upper != "AS" {
			return
		}
		refs.CTENames[name] = true
		i++
		if i >= len(tokens) || tokens[i].Kind != tokenSymbol || tokens[i].Text != "(" {
			return
		}
		// Skip the CTE body.
		depth := 1
		i++
		for i < len(tokens) && depth > 0 {
			if tokens[i].Kind == tokenSymbol {
				switch tokens[i].Text {
				case "(":
					depth++
				case ")":
					depth--
				}
			}
			i++
		}
		// Another CTE follows after a comma; otherwise the main query.
		if i < len(tokens) && tokens[i].Kind == tokenSymbol && tokens[i].Text == "," {
			i++
			continue
		}
		return
	}
}

// collectTable reads one table reference starting at index i (the
// token after FROM/JOIN), recording the table and its alias. Returns
// the index of the last consumed token. Subqueries in FROM are skipped;
// their inner SELECT is scanned by the outer loop anyway.
func collectTable(tokens []token, i int, refs *references) int {
	if i >= len(tokens) {
		return i
	}
	if tokens[i].Kind == tokenSymbol && tokens[i].Text == "(" {
		return i
	}
	if tokens[i].Kind != tokenWord || nonTableKeywords[tokens[i].Upper] {
		return i
	}

	name := tokens[i].Text
	pos := tokens[i].Pos
	// schema.table: keep the table part, schema prefixes are opaque here.
	if i+2 < len(tokens) && tokens[i+1].Kind == tokenSymbol && tokens[i+1].Text == "." &&
		tokens[i+2].Kind == tokenWord {
		name = tokens[i+2].Text
		pos = tokens[i+2].Pos
		i += 2
	}
	refs.Tables = append(refs.Tables, tableRef{Name: name, Pos: pos})

	// Alias: [AS] word
	j := i + 1
	if j < len(tokens) && tokens[j].Kind == tokenWord && tokens[j].Upper == "AS" {
		j++
	}
	if j < len(tokens) && tokens[j].Kind == tokenWord && !nonTableKeywords[tokens[j].Upper] {
		refs.Aliases[tokens[j].Text] = name
		return j
	}
	refs.Aliases[name] = name
	return i
}
