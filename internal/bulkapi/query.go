package bulkapi

import (
	"fmt"
	"strings"
	"time"
)

// Query types understood by Query.
const (
	QueryProducts = "products"
)

const productsQuery = `{
  products%s {
    edges {
      node {
        id
        __typename
        title
        handle
        vendor
        productType
        status
        tags
        updatedAt
        variants {
          edges {
            node {
              id
              __typename
              sku
              title
              price
              inventoryQuantity
            }
          }
        }
        metafields {
          edges {
            node {
              id
              __typename
              namespace
              key
              value
              type
            }
          }
        }
      }
    }
  }
}`

// Query renders the bulk query for queryType. A non-zero since restricts the
// export to products updated after it.
func Query(queryType string, since time.Time) (string, error) {
	switch queryType {
	case "", QueryProducts:
		filter := ""
		if !since.IsZero() {
			filter = fmt.Sprintf(`(query: "updated_at:>'%s'")`, since.UTC().Format(time.RFC3339))
		}
		return fmt.Sprintf(productsQuery, filter), nil
	default:
		return "", fmt.Errorf("unsupported query type %q", queryType)
	}
}

// Signature normalises a rendered query so equivalent queries share an
// idempotency key regardless of whitespace.
func Signature(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
