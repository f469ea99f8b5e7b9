package ingest

import (
	"github.com/shopspring/decimal"

	"github.com/warp/wallet-ledger/ledger"
)

// =============================================================================
// CATEGORY MAPPING - ERP chart-of-accounts name → entry kind
// =============================================================================

type categoryRule struct {
	name    string
	kind    ledger.Kind
	phrases []string
}

// categoryRules are checked in order; the first rule with a matching phrase
// wins. Phrases are matched accent-insensitively on word boundaries.
// Revenue terms are the specific sales phrases, so "receita financeira"
// falls through to financial income.
var categoryRules = []categoryRule{
	{"revenue", ledger.KindDeposit, []string{
		"venda", "vendas", "receita de venda", "receita de vendas", "receita bruta",
		"faturamento", "prestacao de servico", "prestacao de servicos", "servicos prestados",
	}},
	{"tax_commission_deduction", ledger.KindExpense, []string{
		"imposto", "impostos", "tributo", "tributos", "das", "simples nacional", "icms", "iss",
		"pis", "cofins", "comissao", "comissoes", "deducao", "deducoes", "devolucao", "devolucoes",
		"tarifa", "tarifas", "taxa", "taxas",
	}},
	{"cost_of_goods", ledger.KindExpense, []string{
		"custo", "custos", "cmv", "cpv", "mercadoria", "mercadorias", "fornecedor", "fornecedores",
		"compra", "compras", "materia prima", "insumo", "insumos",
	}},
	{"financial_expense", ledger.KindExpense, []string{
		"despesa financeira", "despesas financeiras", "juros pagos", "juros passivos", "multa",
		"multas", "iof", "encargos",
	}},
	{"financial_income", ledger.KindIncome, []string{
		"receita financeira", "receitas financeiras", "rendimento", "rendimentos",
		"juros recebidos", "juros ativos", "juros", "desconto obtido", "descontos obtidos",
	}},
	{"investment", ledger.KindInvestment, []string{
		"investimento", "investimentos", "aplicacao", "aplicacoes", "aplicacao financeira",
	}},
}

// MapCategory chooses the kind of an ERP record from its category name.
// Unmatched categories fall back to the amount's sign.
func MapCategory(category string, amount decimal.Decimal) ledger.Kind {
	for _, rule := range categoryRules {
		if _, ok := ledger.ContainsAny(category, rule.phrases); ok {
			return rule.kind
		}
	}
	if amount.IsNegative() {
		return ledger.KindExpense
	}
	return ledger.KindDeposit
}
