/*
Package expr evaluates subscription filter expressions against event payloads.

A subscription registered with a filter expression only receives events whose
payload satisfies it. Variables are resolved from the payload object; dotted
identifiers walk nested objects, so "customer.tier" reads payload["customer"]["tier"],
and numeric segments index arrays ("items.0.sku").

# Expression Syntax

	<expr> := <comparison>
	        | <expr> 'and' <expr>
	        | <expr> 'or' <expr>
	        | 'not' <expr>
	        | '!' <expr>
	        | <value>

	<comparison> := <value> <op> <value>
	<op> := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'like'
	<value> := 'string' | "string" | number | true | false | null | identifier

The like operator matches the left side against a glob on the right side
("*" any run of characters, "?" one character).

# Examples

	amount > 100 and currency == 'EUR'
	customer.tier == 'gold'
	sku like 'BEV-*'
	not refunded

	vars := map[string]any{"amount": 120.0, "currency": "EUR"}
	ok, _ := expr.Eval("amount > 100 and currency == 'EUR'", vars) // true

# Truthiness

A bare value is true unless it is nil, false, an empty string or a zero number.
*/
package expr
