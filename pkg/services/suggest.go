package services

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jinzhu/inflection"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

func (s *semanticStore) SuggestFields(connectionID uuid.UUID, schema *models.SchemaSnapshot) []*models.SemanticField {
	var out []*models.SemanticField

	for _, table := range schema.Tables {
		entity := inflection.Singular(table.Name)
		timeColumn := firstTimeColumn(table)

		for _, col := range table.Columns {
			if col.IsPrimary || isKeyColumn(col.Name) {
				continue
			}

			switch {
			case isNumericType(col.DataType):
				out = append(out, &models.SemanticField{
					ConnectionID: connectionID,
					Kind:         models.FieldKindMetric,
					Name:         fieldName(entity, col.Name),
					DisplayName:  displayName(entity, col.Name),
					DataType:     col.DataType,
					Table:        table.Name,
					Column:       col.Name,
					Aggregation:  models.AggSum,
					Format:       models.FormatNumber,
					TimeColumn:   timeColumn,
				})
			case isTextType(col.DataType):
				out = append(out, &models.SemanticField{
					ConnectionID: connectionID,
					Kind:         models.FieldKindDimension,
					Name:         fieldName(entity, col.Name),
					DisplayName:  displayName(entity, col.Name),
					DataType:     col.DataType,
					Table:        table.Name,
					Column:       col.Name,
					Aggregation:  models.AggNone,
					Format:       models.FormatText,
				})
			}
		}

		// Every table with rows worth counting gets a count metric.
		out = append(out, &models.SemanticField{
			ConnectionID: connectionID,
			Kind:         models.FieldKindMetric,
			Name:         entity + "_count",
			DisplayName:  titleCase(entity) + " Count",
			Table:        table.Name,
			Aggregation:  models.AggCount,
			Format:       models.FormatNumber,
			TimeColumn:   timeColumn,
		})
	}

	return out
}

func fieldName(entity, column string) string {
	if strings.HasPrefix(column, entity+"_") {
		return column
	}
	return entity + "_" + column
}

func displayName(entity, column string) string {
	return titleCase(fieldName(entity, column))
}

func titleCase(s string) string {
	parts := strings.Split(s, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// isKeyColumn filters surrogate and foreign keys out of suggestions.
func isKeyColumn(name string) bool {
	return name == "id" || strings.HasSuffix(name, "_id") || strings.HasSuffix(name, "_uuid")
}

func firstTimeColumn(table models.TableSchema) string {
	for _, col := range table.Columns {
		if isTimeType(col.DataType) {
			return col.Name
		}
	}
	return ""
}

func isNumericType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "int", "bigint", "decimal", "numeric",
		"real", "double precision", "float", "money", "tinyint":
		return true
	}
	return false
}

func isTextType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "text", "varchar", "character varying", "char", "character",
		"nvarchar", "nchar", "citext":
		return true
	}
	return false
}

func isTimeType(dataType string) bool {
	t := strings.ToLower(dataType)
	return strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "date") ||
		t == "datetime" || t == "datetime2" || t == "smalldatetime"
}
