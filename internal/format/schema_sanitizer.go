package format

import (
	"fmt"
	"strings"
)

// placeholderProperties is substituted for empty object schemas; the API
// rejects object types without properties.
func placeholderProperties() map[string]interface{} {
	return map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Reason for calling this tool",
		},
	}
}

// SanitizeSchema sanitizes a JSON Schema for Antigravity API compatibility.
// Allowlist approach: only known-safe JSON Schema features survive.
// "const" becomes a single-value "enum"; empty schemas get a placeholder.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return map[string]interface{}{
			"type":       "object",
			"properties": placeholderProperties(),
			"required":   []string{"reason"},
		}
	}

	allowedFields := map[string]bool{
		"type":        true,
		"description": true,
		"properties":  true,
		"required":    true,
		"items":       true,
		"enum":        true,
		"title":       true,
	}

	sanitized := make(map[string]interface{})

	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []interface{}{value}
			continue
		}

		if !allowedFields[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				newProps := make(map[string]interface{})
				for propKey, propValue := range props {
					if propMap, ok := propValue.(map[string]interface{}); ok {
						newProps[propKey] = SanitizeSchema(propMap)
					} else {
						newProps[propKey] = propValue
					}
				}
				sanitized["properties"] = newProps
			}
		case "items":
			switch items := value.(type) {
			case map[string]interface{}:
				sanitized["items"] = SanitizeSchema(items)
			case []interface{}:
				newItems := make([]interface{}, 0, len(items))
				for _, item := range items {
					if itemMap, ok := item.(map[string]interface{}); ok {
						newItems = append(newItems, SanitizeSchema(itemMap))
					} else {
						newItems = append(newItems, item)
					}
				}
				sanitized["items"] = newItems
			default:
				sanitized["items"] = value
			}
		default:
			if valueMap, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeSchema(valueMap)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}

	if schemaType, _ := sanitized["type"].(string); schemaType == "object" {
		props, hasProps := sanitized["properties"].(map[string]interface{})
		if !hasProps || len(props) == 0 {
			sanitized["properties"] = placeholderProperties()
			sanitized["required"] = []string{"reason"}
		}
	}

	return sanitized
}

// mapChildren applies fn to every nested schema under "properties" and
// "items" of a copied schema.
func mapChildren(schema map[string]interface{}, fn func(map[string]interface{}) map[string]interface{}) map[string]interface{} {
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{})
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = fn(valueMap)
			} else {
				newProps[key] = value
			}
		}
		schema["properties"] = newProps
	}

	switch items := schema["items"].(type) {
	case map[string]interface{}:
		schema["items"] = fn(items)
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, fn(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		schema["items"] = newItems
	}

	return schema
}

// CleanSchema cleans a sanitized schema for Gemini API compatibility.
// Multi-phase pipeline: refs and constraints fold into description hints,
// allOf merges, anyOf/oneOf flatten, unsupported keywords drop, and type
// names convert to Google's uppercase form.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	result = convertRefsToHints(result)
	result = addEnumHints(result)
	result = addAdditionalPropertiesHints(result)
	result = moveConstraintsToDescription(result)
	result = mergeAllOf(result)
	result = flattenAnyOfOneOf(result)
	result = flattenTypeArrays(result, nil, "")

	unsupported := []string{
		"additionalProperties", "default", "$schema", "$defs",
		"definitions", "$ref", "$id", "$comment", "title",
		"minLength", "maxLength", "pattern", "format",
		"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
	}
	for _, key := range unsupported {
		delete(result, key)
	}

	result = mapChildren(result, CleanSchema)

	// Required entries must reference defined properties
	if required, ok := result["required"].([]interface{}); ok {
		if props, ok := result["properties"].(map[string]interface{}); ok {
			newRequired := make([]interface{}, 0)
			for _, prop := range required {
				if propStr, ok := prop.(string); ok {
					if _, defined := props[propStr]; defined {
						newRequired = append(newRequired, propStr)
					}
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = toGoogleType(schemaType)
	}

	return result
}

func appendDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := copyMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// scoreSchemaOption ranks anyOf/oneOf options: objects beat arrays beat
// scalars beat null.
func scoreSchemaOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// convertRefsToHints replaces $ref references with description hints
func convertRefsToHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)

		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}

		return map[string]interface{}{
			"type":        "object",
			"description": description,
		}
	}

	result = mapChildren(result, convertRefsToHints)

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			newArr := make([]interface{}, 0, len(arr))
			for _, item := range arr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					newArr = append(newArr, convertRefsToHints(itemMap))
				} else {
					newArr = append(newArr, item)
				}
			}
			result[key] = newArr
		}
	}

	return result
}

// mergeAllOf merges all schemas in an allOf array into a single schema
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if allOfArr, ok := result["allOf"].([]interface{}); ok && len(allOfArr) > 0 {
		mergedProperties := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, subSchema := range allOfArr {
			subMap, ok := subSchema.(map[string]interface{})
			if !ok {
				continue
			}

			if props, ok := subMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProperties[key] = value
				}
			}

			if required, ok := subMap["required"].([]interface{}); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}

			for key, value := range subMap {
				if key != "properties" && key != "required" {
					if _, exists := otherFields[key]; !exists {
						otherFields[key] = value
					}
				}
			}
		}

		delete(result, "allOf")

		// Parent fields take precedence over merged ones
		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}

		if len(mergedProperties) > 0 {
			existingProps, _ := result["properties"].(map[string]interface{})
			if existingProps == nil {
				existingProps = make(map[string]interface{})
			}
			for key, value := range mergedProperties {
				if _, exists := existingProps[key]; !exists {
					existingProps[key] = value
				}
			}
			result["properties"] = existingProps
		}

		if len(mergedRequired) > 0 {
			if req, ok := result["required"].([]interface{}); ok {
				for _, r := range req {
					if rStr, ok := r.(string); ok {
						mergedRequired[rStr] = true
					}
				}
			}
			newRequired := make([]interface{}, 0, len(mergedRequired))
			for key := range mergedRequired {
				newRequired = append(newRequired, key)
			}
			result["required"] = newRequired
		}
	}

	return mapChildren(result, mergeAllOf)
}

// flattenAnyOfOneOf flattens anyOf/oneOf by selecting the best-scoring option
func flattenAnyOfOneOf(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var bestOption map[string]interface{}
		bestScore := -1

		for _, option := range options {
			optMap, ok := option.(map[string]interface{})
			if !ok {
				continue
			}

			typeName := ""
			if t, ok := optMap["type"].(string); ok {
				typeName = t
			} else if optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}

			score := scoreSchemaOption(optMap)
			if score > bestScore {
				bestScore = score
				bestOption = optMap
			}
		}

		delete(result, unionKey)

		if bestOption != nil {
			parentDescription, _ := result["description"].(string)

			flattenedOption := flattenAnyOfOneOf(bestOption)

			for key, value := range flattenedOption {
				if key == "description" {
					if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
						if parentDescription != "" {
							result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
						} else {
							result["description"] = valueStr
						}
					}
				} else {
					if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
						result[key] = value
					}
				}
			}

			if len(typeNames) > 1 {
				uniqueTypes := unique(typeNames)
				result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(uniqueTypes, " | ")))
			}
		}
	}

	return mapChildren(result, flattenAnyOfOneOf)
}

// addEnumHints preserves enum values in the description
func addEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = appendDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(vals, ", ")))
	}

	return mapChildren(result, addEnumHints)
}

// addAdditionalPropertiesHints notes additionalProperties: false in the description
func addAdditionalPropertiesHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if result["additionalProperties"] == false {
		result = appendDescriptionHint(result, "No extra properties allowed")
	}

	return mapChildren(result, addAdditionalPropertiesHints)
}

// moveConstraintsToDescription folds unsupported constraints into description hints
func moveConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}

	result := copyMap(schema)

	for _, constraint := range constraints {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				result = appendDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	return mapChildren(result, moveConstraintsToDescription)
}

// flattenTypeArrays flattens array type fields and drops nullable properties
// from the required array.
func flattenTypeArrays(schema map[string]interface{}, nullableProps map[string]bool, currentPropName string) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := copyMap(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNullTypes []string

		for _, t := range typeArr {
			if tStr, ok := t.(string); ok {
				if tStr == "null" {
					hasNull = true
				} else if tStr != "" {
					nonNullTypes = append(nonNullTypes, tStr)
				}
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = appendDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(nonNullTypes, " | ")))
		}

		if hasNull {
			result = appendDescriptionHint(result, "nullable")
			if nullableProps != nil && currentPropName != "" {
				nullableProps[currentPropName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullableProps := make(map[string]bool)
		newProps := make(map[string]interface{})

		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenTypeArrays(valueMap, childNullableProps, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullableProps) > 0 {
			newRequired := make([]interface{}, 0)
			for _, prop := range required {
				if propStr, ok := prop.(string); ok {
					if !childNullableProps[propStr] {
						newRequired = append(newRequired, propStr)
					}
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenTypeArrays(items, nullableProps, "")
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenTypeArrays(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// toGoogleType converts JSON Schema type names to Google's uppercase form
func toGoogleType(typeName string) string {
	if typeName == "" {
		return typeName
	}

	typeMap := map[string]string{
		"string":  "STRING",
		"number":  "NUMBER",
		"integer": "INTEGER",
		"boolean": "BOOLEAN",
		"array":   "ARRAY",
		"object":  "OBJECT",
		"null":    "STRING",
	}

	if upper, ok := typeMap[strings.ToLower(typeName)]; ok {
		return upper
	}
	return strings.ToUpper(typeName)
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func unique(arr []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
